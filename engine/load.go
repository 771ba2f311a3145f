package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/fsimage"
	"github.com/moffa90/go-fsimage/stream"
)

// readChunk is the buffer size LoadContainer reads with.
const readChunk = 32 << 10

// LoadResult holds the artifacts of a load.
type LoadResult struct {
	stream.Artifacts

	// Sources maps every job served from storage to the copy it came from
	Sources map[stream.JobSet]int

	// Damaged has bit n set when copy n was found damaged
	Damaged uint8
}

func newLoadResult() *LoadResult {
	return &LoadResult{Sources: make(map[stream.JobSet]int)}
}

// take copies the artifacts of the given jobs out of a.
func (r *LoadResult) take(a *stream.Artifacts, jobs stream.JobSet, cp int) {
	if jobs.Has(stream.JobBoardCfg) {
		r.BoardID, r.BoardCfg, r.BoardCfgHeader = a.BoardID, a.BoardCfg, a.BoardCfgHeader
		r.Sources[stream.JobBoardCfg] = cp
	}
	if jobs.Has(stream.JobDRAM) {
		r.DRAMFW, r.DRAMTiming = a.DRAMFW, a.DRAMTiming
		r.Sources[stream.JobDRAM] = cp
	}
	if jobs.Has(stream.JobATF) {
		r.ATF = a.ATF
		r.Sources[stream.JobATF] = cp
	}
	if jobs.Has(stream.JobTEE) {
		r.TEE = a.TEE
		r.Sources[stream.JobTEE] = cp
	}
}

// interpreterSink feeds streamed region data to an interpreter.
type interpreterSink struct {
	it *stream.Interpreter
}

func (s interpreterSink) Write(p []byte) (int, error) { return s.it.Write(p) }
func (s interpreterSink) Done() bool                  { return s.it.Done() }

// Load reads the artifacts named by jobs from the NBOOT region.
//
// Copy 0 is tried first and copy 1 serves whatever is still missing. When
// copy 0 served everything, copy 1 is still checked so damage is reported
// early. Jobs that no copy can serve are returned in a *LoadError along with
// the partial result.
func (e *Engine) Load(ctx context.Context, jobs stream.JobSet) (*LoadResult, error) {
	cat, err := e.catalog()
	if err != nil {
		return nil, err
	}
	r, err := e.region(cat, catalog.LabelNBoot)
	if err != nil {
		return nil, err
	}

	prog := e.newProgress(2)
	res := newLoadResult()
	pending := jobs
	var (
		errs [2]error
		used [2]bool
	)
	for cp := 0; cp < 2 && pending != 0; cp++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cancelled: %w", err)
		}
		prog.report(PhaseReading, r.Label, cp)
		e.logInfo("loading region copy", "region", r.Label, "copy", cp, "jobs", pending.String())

		got, err := e.loadCopy(ctx, r, cp, pending, res)
		used[cp] = true
		pending &^= got
		if err == nil && pending != 0 {
			err = fmt.Errorf("%w: %s", fsimage.ErrNotFound, pending)
		}
		if err != nil {
			errs[cp] = err
			res.Damaged |= 1 << cp
			e.logWarn("region copy damaged", "region", r.Label, "copy", cp, "error", err)
		} else {
			e.logInfo("region copy loaded", "region", r.Label, "copy", cp)
		}
		prog.step(0)
	}

	if pending != 0 {
		e.logError("load failed", "jobs", pending.String())
		return res, &LoadError{Region: r.Label, Jobs: pending, Errors: errs}
	}

	if !used[1] {
		if err := e.checkCopy(ctx, r, 1); err != nil {
			res.Damaged |= 2
			e.logWarn("unused region copy damaged", "region", r.Label, "copy", 1, "error", err)
		}
	}
	if res.Damaged != 0 {
		e.logWarn("one copy damaged, loaded from the other", "region", r.Label, "damaged_mask", res.Damaged)
	}
	prog.report(PhaseComplete, r.Label, 0)
	return res, nil
}

// loadCopy serves jobs from one copy and returns the jobs it served. The
// BOARD-CFG is read directly; the FIRMWARE that follows it is streamed.
// Each copied record is checked on its own.
func (e *Engine) loadCopy(ctx context.Context, r catalog.Region, cp int, jobs stream.JobSet, res *LoadResult) (stream.JobSet, error) {
	nh, err := e.nbootHeader(ctx, r, cp)
	if err != nil {
		return 0, err
	}

	cfgRec, err := e.readRecord(ctx, r, cp, fsimage.HeaderSize)
	if err != nil {
		return 0, err
	}
	if err := e.checkRecord(cfgRec); err != nil {
		return 0, err
	}
	ch, payload, _ := fsimage.Record(cfgRec)
	if !ch.Matches(fsimage.TypeBoardCfg) {
		return 0, fmt.Errorf("%w: %s after %s", fsimage.ErrNotFound, fsimage.TypeBoardCfg, fsimage.TypeNBoot)
	}

	var served stream.JobSet
	if jobs.Has(stream.JobBoardCfg) {
		id, _ := fsimage.ParseBoardID(ch.Descr())
		res.take(&stream.Artifacts{BoardID: id, BoardCfg: fsimage.Body(ch, payload), BoardCfgHeader: ch}, stream.JobBoardCfg, cp)
		served |= stream.JobBoardCfg
	}

	fw := jobs &^ stream.JobBoardCfg
	if fw == 0 {
		return served, nil
	}
	arch := e.config.Arch
	if arch == "" {
		arch = nh.Descr()
	}
	it := stream.New(stream.Config{
		Arch:     arch,
		BoardID:  e.config.BoardID,
		Jobs:     fw,
		BoardCfg: cfgRec,
		DRAMInit: e.config.DRAMInit,
		Verifier: e.config.Verifier,
		Locked:   e.config.Locked,
		Logger:   e.config.Logger,
	})

	off := fsimage.HeaderSize + int64(ch.Extent())
	err = e.backend.Stream(ctx, r, cp, off, interpreterSink{it})

	got := fw &^ it.Jobs()
	res.take(it.Artifacts(), got, cp)
	return served | got, err
}

// nbootHeader reads the NBOOT header at the start of a copy. The magic, the
// type and a header-only CRC must be intact and the record must fit the
// region.
func (e *Engine) nbootHeader(ctx context.Context, r catalog.Region, cp int) (*fsimage.Header, error) {
	hb, err := e.backend.Read(ctx, r, cp, 0, fsimage.HeaderSize)
	if err != nil {
		return nil, err
	}
	nh, err := fsimage.ParseHeader(hb)
	if err != nil {
		return nil, err
	}
	if err := fsimage.CheckHeader(nh); err != nil {
		return nil, err
	}
	if !nh.Matches(fsimage.TypeNBoot, e.config.Arch) {
		return nil, fmt.Errorf("%w: %s(%s) at region start", fsimage.ErrNotFound, fsimage.TypeNBoot, e.config.Arch)
	}
	if size := int64(nh.Size().WithHeader()); size > r.Size {
		return nil, fmt.Errorf("%w: %s of 0x%X bytes overruns region %s", fsimage.ErrTruncated, fsimage.TypeNBoot, size, r.Label)
	}
	return nh, nil
}

// checkCopy validates the whole NBOOT record of one copy.
func (e *Engine) checkCopy(ctx context.Context, r catalog.Region, cp int) error {
	if _, err := e.nbootHeader(ctx, r, cp); err != nil {
		return err
	}
	rec, err := e.readRecord(ctx, r, cp, 0)
	if err != nil {
		return err
	}
	return fsimage.ValidateRecursive(rec)
}

// LoadContainer runs jobs against a container read from src, for example a
// download in progress. The container is consumed in whatever chunks src
// delivers and reading stops as soon as every job is served.
func (e *Engine) LoadContainer(ctx context.Context, src io.Reader, jobs stream.JobSet) (*LoadResult, error) {
	var preset []byte
	if !jobs.Has(stream.JobBoardCfg) {
		preset = e.config.BoardCfg
	}
	it := stream.New(stream.Config{
		Arch:     e.config.Arch,
		BoardID:  e.config.BoardID,
		Jobs:     jobs,
		BoardCfg: preset,
		DRAMInit: e.config.DRAMInit,
		Verifier: e.config.Verifier,
		Locked:   e.config.Locked,
		Logger:   e.config.Logger,
	})

	buf := make([]byte, readChunk)
	for !it.Done() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cancelled: %w", err)
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := it.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read container: %w", err)
		}
	}

	res := newLoadResult()
	got := jobs &^ it.Jobs()
	res.take(it.Artifacts(), got, 0)
	clear(res.Sources)
	if left := it.Jobs() & jobs; left != 0 {
		e.logError("container load incomplete", "jobs", left.String())
		return res, &LoadError{Jobs: left}
	}
	e.logInfo("container loaded", "jobs", got.String())
	return res, nil
}
