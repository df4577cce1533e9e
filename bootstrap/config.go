package bootstrap

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/joshuapare/allocman/allocman"
	"github.com/joshuapare/allocman/kobj"
)

// Untyped allocators a Config can select.
const (
	UtspaceSplit   = "split"
	UtspaceTwinkle = "twinkle"
)

// Config holds the boot-time tunables.
type Config struct {
	// PoolSize is the size in bytes of the fixed pool backing the
	// Manager's own bookkeeping.
	// Default: 1 MiB
	PoolSize int `toml:"pool_size"`

	// RefillPassLimit caps the refill passes after each outermost operation.
	// Default: allocman.DefaultRefillPassLimit
	RefillPassLimit int `toml:"refill_pass_limit"`

	// PrimeAttempts is how many times FillReserves is retried after boot
	// while some reserve is still short.
	// Default: 16
	PrimeAttempts uint64 `toml:"prime_attempts"`

	// Utspace selects the untyped allocator: UtspaceSplit or UtspaceTwinkle.
	// Default: UtspaceSplit
	Utspace string `toml:"utspace"`

	// LevelTwoBits is the log2 slot count of each second-level CNode built
	// by NewTwoLevel.
	// Default: 8
	LevelTwoBits uint `toml:"level_two_bits"`

	Reserves ReserveConfig `toml:"reserves"`
	Virtual  VirtualConfig `toml:"virtual"`
}

// ReserveConfig sizes the deferred-free queues and the reserve pools.
type ReserveConfig struct {
	FreedSlots         int `toml:"freed_slots"`
	FreedMemoryChunks  int `toml:"freed_memory_chunks"`
	FreedUntypedChunks int `toml:"freed_untyped_chunks"`
	CspaceSlots        int `toml:"cspace_slots"`

	// SpareCNodes is the number of second-level CNodes kept in reserve by a
	// two-level cspace.
	SpareCNodes int `toml:"spare_cnodes"`

	// Frames and PageTables are kept in reserve for the virtual pool.
	Frames     int `toml:"frames"`
	PageTables int `toml:"page_tables"`

	// Mspace lists extra mspace reserve classes.
	Mspace []MspaceClass `toml:"mspace"`
}

// MspaceClass is one mspace reserve class in TOML form.
type MspaceClass struct {
	Size  int `toml:"size"`
	Count int `toml:"count"`
}

// VirtualConfig places the virtual pool. A zero Size leaves it unconfigured.
type VirtualConfig struct {
	Start uint64 `toml:"start"`
	Size  int    `toml:"size"`
}

// DefaultConfig returns the stock reservation numbers for a root task.
func DefaultConfig() Config {
	return Config{
		PoolSize:        1 << 20,
		RefillPassLimit: allocman.DefaultRefillPassLimit,
		PrimeAttempts:   16,
		Utspace:         UtspaceSplit,
		LevelTwoBits:    8,
		Reserves: ReserveConfig{
			FreedSlots:         10,
			FreedMemoryChunks:  20,
			FreedUntypedChunks: 10,
			CspaceSlots:        30,
			SpareCNodes:        1,
			Frames:             3,
			PageTables:         1,
		},
	}
}

// Validate reports an impossible value in c.
func (c Config) Validate() error {
	switch {
	case c.PoolSize <= 0:
		return fmt.Errorf("pool_size %d: %w", c.PoolSize, ErrBadConfig)
	case c.RefillPassLimit <= 0:
		return fmt.Errorf("refill_pass_limit %d: %w", c.RefillPassLimit, ErrBadConfig)
	case c.LevelTwoBits == 0 || c.LevelTwoBits+kobj.SlotBits >= 64:
		return fmt.Errorf("level_two_bits %d: %w", c.LevelTwoBits, ErrBadConfig)
	case c.Utspace != UtspaceSplit && c.Utspace != UtspaceTwinkle:
		return fmt.Errorf("utspace %q: %w", c.Utspace, ErrBadConfig)
	case c.Virtual.Size < 0:
		return fmt.Errorf("virtual.size %d: %w", c.Virtual.Size, ErrBadConfig)
	}
	r := c.Reserves
	for name, n := range map[string]int{
		"freed_slots":          r.FreedSlots,
		"freed_memory_chunks":  r.FreedMemoryChunks,
		"freed_untyped_chunks": r.FreedUntypedChunks,
		"cspace_slots":         r.CspaceSlots,
		"spare_cnodes":         r.SpareCNodes,
		"frames":               r.Frames,
		"page_tables":          r.PageTables,
	} {
		if n < 0 {
			return fmt.Errorf("reserves.%s %d: %w", name, n, ErrBadConfig)
		}
	}
	for _, mc := range r.Mspace {
		if mc.Size <= 0 || mc.Count < 0 {
			return fmt.Errorf("reserves.mspace %+v: %w", mc, ErrBadConfig)
		}
	}
	return nil
}

// DecodeConfig reads TOML from r over the defaults. Keys that match no field
// are rejected so typos do not silently fall back to a default.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("decode config: %w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig decodes the TOML file at path. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := DecodeConfig(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return cfg, err
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// configureQueues sizes the deferred-free queues and the slot reserve.
func configureQueues(m *allocman.Manager, r ReserveConfig) error {
	steps := []struct {
		fn func(int) error
		n  int
	}{
		{m.ConfigureMaxFreedSlots, r.FreedSlots},
		{m.ConfigureMaxFreedMemoryChunks, r.FreedMemoryChunks},
		{m.ConfigureMaxFreedUntypedChunks, r.FreedUntypedChunks},
		{m.ConfigureCspaceReserve, r.CspaceSlots},
	}
	for _, s := range steps {
		if err := s.fn(s.n); err != nil {
			return err
		}
	}
	return nil
}

// configureMspaceClasses registers the extra mspace reserve classes.
func configureMspaceClasses(m *allocman.Manager, classes []MspaceClass) error {
	for _, mc := range classes {
		if err := m.ConfigureMspaceReserve(allocman.MspaceChunk{Size: mc.Size, Count: mc.Count}); err != nil {
			return err
		}
	}
	return nil
}
