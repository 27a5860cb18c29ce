package meshAlloc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The arena is backed by a memfd so that two virtual pages can share one
// physical page: every span's canonical backing lives at file offset
// (span - base), and meshing remaps a source span's virtual range onto the
// destination span's file offset.

type memReservation struct {
	fd   int
	base uintptr
	size uintptr
	data []byte
}

func reserveMemfd(name string, size uintptr) (*memReservation, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("meshAlloc: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("meshAlloc: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("meshAlloc: mmap: %w", err)
	}
	return &memReservation{
		fd:   fd,
		base: uintptr(unsafe.Pointer(&data[0])),
		size: size,
		data: data,
	}, nil
}

// remapFixed maps [addr, addr+length) onto the reservation's file at
// fileOff, replacing whatever mapping was there. addr must already be
// inside the reservation.
func (r *memReservation) remapFixed(addr, length, fileOff uintptr) error {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(r.fd), fileOff)
	if errno != 0 {
		return fmt.Errorf("meshAlloc: mmap fixed: %w", errno)
	}
	if p != addr {
		return fmt.Errorf("meshAlloc: mmap fixed moved mapping")
	}
	return nil
}

func (r *memReservation) release() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	return nil
}

// mapAnon and unmapAnon back the big-object path. Each large allocation
// gets its own anonymous mapping.
func mapAnon(length uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func unmapAnon(data []byte) error {
	return unix.Munmap(data)
}

// memmoveRange copies n bytes between raw addresses inside our mappings.
func memmoveRange(dst, src, n uintptr) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), n),
		unsafe.Slice((*byte)(unsafe.Pointer(src)), n))
}

// byteRange exposes a raw range as a slice, for tests and slot access.
func byteRange(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func addrOfByte(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}
