package meshAlloc

import "github.com/golang/glog"

// debugAssert gates the precondition checks on the hot paths. They catch
// programming errors (wrong size class, corrupt heap), not user errors.
const debugAssert = true

func assert(cond bool, msg string) {
	if debugAssert && !cond {
		glog.Fatalf("meshAlloc: assertion failed: %s", msg)
	}
}

func assertf(cond bool, format string, args ...interface{}) {
	if debugAssert && !cond {
		glog.Fatalf("meshAlloc: assertion failed: "+format, args...)
	}
}

// oom aborts the process. There is no null-return contract anywhere on
// the allocation paths.
func oom(what string, err error) {
	glog.Fatalf("meshAlloc: out of memory: %s: %v", what, err)
}
