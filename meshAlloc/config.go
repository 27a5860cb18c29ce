package meshAlloc

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// ErrBadConfig wraps every configuration rejection.
var ErrBadConfig = errors.New("meshAlloc: bad config")

// Config fixes the heap's knobs at construction. MeshPeriod stays
// adjustable afterwards through the mesh.check_period control.
type Config struct {
	// ArenaBytes is the virtual reservation backing all small spans.
	// Pages are only touched as spans are handed out.
	ArenaBytes uint64 `toml:"arena_bytes" validate:"required,gt=0"`

	// MeshPeriod bounds the meshing countdown: after each pass the next
	// one fires after a uniformly drawn 1..MeshPeriod frees of
	// still-populated miniheaps. 0 disables meshing.
	MeshPeriod uint64 `toml:"mesh_period"`

	// MaxMeshes caps how many virtual spans one miniheap may serve.
	MaxMeshes int `toml:"max_meshes" validate:"gt=0"`

	// OccupancyCutoff is the fullness below which an unattached miniheap
	// is a meshing candidate.
	OccupancyCutoff float64 `toml:"occupancy_cutoff" validate:"gt=0,lte=1"`

	// FlushThreshold is how many empty miniheaps may queue up in a size
	// class before the free path flushes them.
	FlushThreshold int `toml:"flush_threshold" validate:"gt=0"`

	// BigHeapReuse keeps freed large mappings around for first-fit reuse
	// instead of unmapping them.
	BigHeapReuse bool `toml:"bigheap_reuse"`
}

// DefaultConfig mirrors the built-in defaults of the original system.
func DefaultConfig() Config {
	return Config{
		ArenaBytes:      256 << 20,
		MeshPeriod:      1000,
		MaxMeshes:       256,
		OccupancyCutoff: 0.8,
		FlushThreshold:  8,
		BigHeapReuse:    true,
	}
}

var configValidator = validator.New()

func (c Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if c.ArenaBytes%PageSize != 0 {
		return fmt.Errorf("%w: arena_bytes %d not page aligned", ErrBadConfig, c.ArenaBytes)
	}
	return nil
}

// LoadConfig reads a TOML file over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
