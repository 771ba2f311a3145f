package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/flash"
	"github.com/moffa90/go-fsimage/fsimage"
)

// Engine saves containers to and loads them from one storage backend.
//
// An Engine is not safe for concurrent use. A load must not run while a save
// of the same device is in progress.
type Engine struct {
	backend flash.Backend
	config  Config

	cat *catalog.Catalog
}

// New creates a new Engine on top of backend.
//
// Example:
//
//	chip := sim.NewNAND(geo)
//	eng := engine.New(flash.NewNAND(chip),
//	    engine.WithArch("fsimx8mm"),
//	    engine.WithBootCopy(0),
//	)
func New(backend flash.Backend, opts ...Option) *Engine {
	if backend == nil {
		panic("backend cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		backend: backend,
		config:  cfg,
	}
}

// BoardConfig returns the BOARD-CFG record the engine works with, nil if
// none is known yet.
func (e *Engine) BoardConfig() []byte {
	return e.config.BoardCfg
}

// List returns every record in container in walk order.
func (e *Engine) List(container []byte) ([]fsimage.Entry, error) {
	return fsimage.List(container)
}

// Validate checks every CRC and the top-level signatures of container.
func (e *Engine) Validate(container []byte) error {
	return fsimage.Validate(container, fsimage.ValidateOptions{
		Verifier: e.config.Verifier,
		Locked:   e.config.Locked,
	})
}

// catalog returns the parsed configuration of the running board.
func (e *Engine) catalog() (*catalog.Catalog, error) {
	if e.cat != nil {
		return e.cat, nil
	}
	if e.config.BoardCfg == nil {
		return nil, ErrNoBoardConfig
	}
	h, payload, err := fsimage.Record(e.config.BoardCfg)
	if err != nil {
		return nil, fmt.Errorf("board configuration: %w", err)
	}
	cat, err := catalog.Parse(fsimage.Body(h, payload))
	if err != nil {
		return nil, err
	}
	e.cat = cat
	return cat, nil
}

// useBoardConfig makes rec the configuration of later operations.
func (e *Engine) useBoardConfig(rec []byte, cat *catalog.Catalog) {
	e.config.BoardCfg = rec
	e.cat = cat
}

// region resolves label through the backend.
func (e *Engine) region(cat *catalog.Catalog, label string) (catalog.Region, error) {
	r, err := e.backend.ResolveRegion(cat, label)
	if err != nil {
		return r, fmt.Errorf("resolve %s region: %w", label, err)
	}
	return r, nil
}

// copyOrder returns the copies in save order: the one not booted from first.
func (e *Engine) copyOrder() [2]int {
	boot := e.config.BootCopy
	return [2]int{1 - boot, boot}
}

// writeCopy stores img in one copy of r: invalidate, everything but the
// leading unit, then the leading unit. A write that changed the bad block
// set is restarted once.
func (e *Engine) writeCopy(ctx context.Context, r catalog.Region, cp int, img []byte) error {
	// a started copy runs to completion
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = e.writeOnce(ctx, r, cp, img); err == nil {
			return nil
		}
		if !errors.Is(err, flash.ErrBlocksChanged) {
			return err
		}
		e.logWarn("bad blocks changed, restarting copy", "region", r.Label, "copy", cp, "error", err)
	}
	return err
}

// bootControl writes the boot control structures of one copy. Like a
// region copy it is restarted once when the bad block table changes.
func (e *Engine) bootControl(ctx context.Context, cp int, info flash.BootInfo) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = e.backend.BootControl(ctx, cp, info); err == nil {
			return nil
		}
		if !errors.Is(err, flash.ErrBlocksChanged) {
			return err
		}
		e.logWarn("bad blocks changed, restarting boot control", "copy", cp, "error", err)
	}
	return err
}

func (e *Engine) writeOnce(ctx context.Context, r catalog.Region, cp int, img []byte) error {
	if err := e.backend.Prepare(ctx, r, cp); err != nil {
		return err
	}
	if err := e.backend.Invalidate(ctx, r, cp); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	if err := e.backend.Write(ctx, r, cp, img, flash.PassBody); err != nil {
		return fmt.Errorf("pass 1: %w", err)
	}
	if err := e.backend.Write(ctx, r, cp, img, flash.PassHead); err != nil {
		return fmt.Errorf("pass 2: %w", err)
	}
	return nil
}

// upToDate reports whether both copies of r already hold img.
func (e *Engine) upToDate(ctx context.Context, r catalog.Region, img []byte) bool {
	for cp := 0; cp < 2; cp++ {
		got, err := e.backend.Read(ctx, r, cp, 0, int64(len(img)))
		if err != nil || string(got) != string(img) {
			return false
		}
	}
	return true
}

// readRecord reads the record whose header is at off in one copy of r.
func (e *Engine) readRecord(ctx context.Context, r catalog.Region, cp int, off int64) ([]byte, error) {
	hb, err := e.backend.Read(ctx, r, cp, off, fsimage.HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := fsimage.ParseHeader(hb)
	if err != nil {
		return nil, err
	}
	size := int64(h.Size().WithHeader())
	if off+size > r.Size {
		return nil, fmt.Errorf("%w: %s of 0x%X bytes at 0x%X overruns region %s", fsimage.ErrTruncated, h.TypeString(), size, off, r.Label)
	}
	rest, err := e.backend.Read(ctx, r, cp, off+fsimage.HeaderSize, size-fsimage.HeaderSize)
	if err != nil {
		return nil, err
	}
	return append(hb, rest...), nil
}

// checkRecord verifies the CRC and signature of a record read from storage.
func (e *Engine) checkRecord(rec []byte) error {
	h, _, err := fsimage.Record(rec)
	if err != nil {
		return err
	}
	if res := fsimage.CheckCRC32(rec); !res.OK() {
		return &fsimage.ValidationError{Type: h.TypeString(), Descr: h.Descr(), Check: fsimage.CheckCRC, Err: errors.New("stored CRC does not match")}
	}
	return fsimage.VerifySignature(rec, e.config.Verifier, e.config.Locked)
}

// reportProgress calls the progress callback if configured.
func (e *Engine) reportProgress(p Progress) {
	if e.config.ProgressCallback != nil {
		e.config.ProgressCallback(p)
	}
}

// progress tracks the steps of one operation.
type progress struct {
	e     *Engine
	start time.Time
	total int
	done  int
	bytes int64
}

func (e *Engine) newProgress(total int) *progress {
	return &progress{e: e, start: time.Now(), total: max(total, 1)}
}

func (p *progress) report(phase, region string, cp int) {
	p.e.reportProgress(Progress{
		Phase:        phase,
		Region:       region,
		Copy:         cp,
		Percentage:   100 * float64(p.done) / float64(p.total),
		BytesWritten: p.bytes,
		ElapsedTime:  p.elapsed(),
	})
}

func (p *progress) elapsed() time.Duration {
	return time.Since(p.start)
}

func (p *progress) step(n int64) {
	p.done = min(p.done+1, p.total)
	p.bytes += n
}

// logDebug logs a debug message if a logger is configured.
func (e *Engine) logDebug(msg string, keysAndValues ...interface{}) {
	if e.config.Logger != nil {
		e.config.Logger.Debug(msg, keysAndValues...)
	}
}

// logInfo logs an info message if a logger is configured.
func (e *Engine) logInfo(msg string, keysAndValues ...interface{}) {
	if e.config.Logger != nil {
		e.config.Logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if a logger is configured.
func (e *Engine) logWarn(msg string, keysAndValues ...interface{}) {
	if e.config.Logger != nil {
		e.config.Logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if a logger is configured.
func (e *Engine) logError(msg string, keysAndValues ...interface{}) {
	if e.config.Logger != nil {
		e.config.Logger.Error(msg, keysAndValues...)
	}
}
