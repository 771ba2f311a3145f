package engine

import (
	"github.com/moffa90/go-fsimage/fsimage"
	"github.com/moffa90/go-fsimage/stream"
)

// Config holds the engine configuration.
type Config struct {
	// Arch is the architecture name matched against NBOOT and FIRMWARE
	// descriptions. Empty takes it from the saved container.
	Arch string

	// BoardID is the running board. Empty takes it from the BOARD-ID record
	// of the saved container.
	BoardID fsimage.BoardID

	// BootCopy is the copy the board booted from (0 or 1). Save updates the
	// other copy first.
	BootCopy int

	// Locked requires a valid signature on BOARD-CFG, DRAM-FW, DRAM-TIMING,
	// ATF and TEE records
	Locked bool

	// Verifier checks signed records (optional)
	Verifier fsimage.Verifier

	// DRAMInit is handed the DRAM firmware and timing during Load (optional)
	DRAMInit stream.DRAMInitFunc

	// BoardCfg is the BOARD-CFG record of the running board. Load needs it
	// to find the regions; Save replaces it.
	BoardCfg []byte

	// ProgressCallback is called during save and load to report progress (optional)
	ProgressCallback ProgressCallback

	// Logger is used for logging operations (optional)
	Logger Logger
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithArch sets the architecture name.
//
// Example:
//
//	eng := engine.New(backend, engine.WithArch("fsimx8mm"))
func WithArch(arch string) Option {
	return func(c *Config) {
		c.Arch = arch
	}
}

// WithBoardID sets the running board id.
//
// Example:
//
//	eng := engine.New(backend, engine.WithBoardID(fsimage.BoardID{Name: "PicoCoreMX8MM", Rev: 120}))
func WithBoardID(id fsimage.BoardID) Option {
	return func(c *Config) {
		c.BoardID = id
	}
}

// WithBootCopy sets the copy the board booted from.
func WithBootCopy(n int) Option {
	return func(c *Config) {
		if n == 0 || n == 1 {
			c.BootCopy = n
		}
	}
}

// WithLocked marks the device as locked, so unsigned boot chain records are
// refused.
func WithLocked(locked bool) Option {
	return func(c *Config) {
		c.Locked = locked
	}
}

// WithVerifier sets the signature verifier.
func WithVerifier(v fsimage.Verifier) Option {
	return func(c *Config) {
		c.Verifier = v
	}
}

// WithDRAMInit sets the function that brings up DRAM during Load.
func WithDRAMInit(fn stream.DRAMInitFunc) Option {
	return func(c *Config) {
		c.DRAMInit = fn
	}
}

// WithCatalog sets the BOARD-CFG record of the running board, usually the
// one the boot loader already selected.
//
// Example:
//
//	eng := engine.New(backend, engine.WithCatalog(boardCfgRecord))
//	res, err := eng.Load(ctx, stream.JobAll)
func WithCatalog(boardCfg []byte) Option {
	return func(c *Config) {
		c.BoardCfg = boardCfg
	}
}

// WithProgressCallback sets a callback function to track save and load progress.
//
// Example:
//
//	eng := engine.New(backend,
//	    engine.WithProgressCallback(func(p engine.Progress) {
//	        fmt.Printf("%s %s copy %d: %.1f%%\n", p.Phase, p.Region, p.Copy, p.Percentage)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets a logger for the engine operations.
//
// Example:
//
//	eng := engine.New(backend, engine.WithLogger(myLogger))
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
