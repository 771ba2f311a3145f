package engine

import (
	"context"
	"fmt"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/flash"
	"github.com/moffa90/go-fsimage/fsimage"
	"github.com/moffa90/go-fsimage/region"
)

// RegionReport is the outcome of saving one region.
type RegionReport struct {
	Label string

	// Skipped is set when both copies already held the new image
	Skipped bool

	// Failed has bit n set when copy n could not be written
	Failed uint8

	// Errors holds the error of each failed copy
	Errors [2]error

	// Size is the number of image bytes per copy
	Size int64
}

// Degraded reports whether exactly one copy failed.
func (r *RegionReport) Degraded() bool {
	return r.Failed == 1 || r.Failed == 2
}

// SaveReport is the outcome of a save.
type SaveReport struct {
	// BoardID is the id of the BOARD-CFG that was stored
	BoardID fsimage.BoardID

	Regions []RegionReport
}

// Degraded reports whether any region lost one of its copies.
func (r *SaveReport) Degraded() bool {
	for i := range r.Regions {
		if r.Regions[i].Degraded() {
			return true
		}
	}
	return false
}

// saveItem is one region image to store.
type saveItem struct {
	region catalog.Region
	image  []byte
}

// Save stores container on the device.
//
// The BOARD-CFG for the running board and the FIRMWARE are stored in the
// NBOOT region, the SPL in the SPL region. Regions whose two copies already
// hold the new image are skipped unless force is set. The copy the board
// did not boot from is written completely before the booted one:
//
//	NBOOT copy 1, SPL copy 1, boot control 1, NBOOT copy 0, SPL copy 0, boot control 0
//
// If one copy of a region fails the save succeeds with a degraded report.
// If both fail the report is returned together with an *UnbootableError.
func (e *Engine) Save(ctx context.Context, container []byte, force bool) (*SaveReport, error) {
	prog := e.newProgress(0)
	prog.report(PhaseValidating, "", 0)
	if err := e.Validate(container); err != nil {
		return nil, fmt.Errorf("validate container: %w", err)
	}

	prog.report(PhasePlanning, "", 0)
	plan, err := e.planSave(container)
	if err != nil {
		return nil, err
	}
	e.logInfo("saving container",
		"board_cfg", plan.boardID.String(),
		"arch", plan.arch,
		"backend", e.backend.Name(),
		"boot_copy", e.config.BootCopy,
	)

	items := []saveItem{
		{region: plan.nboot, image: plan.nbootImage},
		{region: plan.spl, image: plan.splImage},
	}
	report := &SaveReport{BoardID: plan.boardID}
	for _, it := range items {
		rr := RegionReport{Label: it.region.Label, Size: int64(len(it.image))}
		if !force && e.upToDate(ctx, it.region, it.image) {
			rr.Skipped = true
			e.logInfo("region up to date, skipping", "region", it.region.Label)
		}
		report.Regions = append(report.Regions, rr)
	}

	steps := 0
	for i := range report.Regions {
		if !report.Regions[i].Skipped {
			steps += 2
		}
	}
	prog.total = max(steps, 1)

	bootControl := !report.Regions[1].Skipped
	info := flash.BootInfo{Caps: plan.cat.Caps, SPL: plan.spl, SPLImage: plan.splImage}

	for _, cp := range e.copyOrder() {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("cancelled: %w", err)
		}
		for i, it := range items {
			rr := &report.Regions[i]
			if rr.Skipped {
				continue
			}
			prog.report(PhaseWriting, it.region.Label, cp)
			e.logInfo("writing region copy", "region", it.region.Label, "copy", cp, "size", len(it.image))
			if err := e.writeCopy(ctx, it.region, cp, it.image); err != nil {
				rr.Failed |= 1 << cp
				rr.Errors[cp] = err
				e.logError("region copy failed", "region", it.region.Label, "copy", cp, "error", err)
			} else {
				e.logInfo("region copy written", "region", it.region.Label, "copy", cp)
			}
			prog.step(int64(len(it.image)))
		}

		if bootControl {
			prog.report(PhaseBootControl, plan.spl.Label, cp)
			if err := e.bootControl(ctx, cp, info); err != nil {
				rr := &report.Regions[1]
				if rr.Errors[cp] == nil {
					rr.Errors[cp] = fmt.Errorf("boot control: %w", err)
				}
				rr.Failed |= 1 << cp
				e.logError("boot control failed", "copy", cp, "error", err)
			}
		}
	}

	e.useBoardConfig(plan.boardCfg, plan.cat)

	for i := range report.Regions {
		rr := &report.Regions[i]
		switch {
		case rr.Failed == 3:
			e.logError("both copies failed, the device may not boot anymore", "region", rr.Label)
			return report, &UnbootableError{Region: rr.Label, Errors: rr.Errors}
		case rr.Degraded():
			e.logWarn("one copy failed, the region has no redundancy", "region", rr.Label, "failed_mask", rr.Failed)
		}
	}

	prog.report(PhaseComplete, "", 0)
	e.logInfo("save complete", "bytes", prog.bytes, "elapsed", prog.elapsed().String())
	return report, nil
}

// savePlan holds the rendered region images of a save.
type savePlan struct {
	arch     string
	boardID  fsimage.BoardID
	boardCfg []byte
	cat      *catalog.Catalog

	nboot      catalog.Region
	nbootImage []byte
	spl        catalog.Region
	splImage   []byte
}

// planSave selects the BOARD-CFG and renders the NBOOT and SPL images.
func (e *Engine) planSave(container []byte) (*savePlan, error) {
	running := e.config.BoardID
	if running.Name == "" {
		h, err := fsimage.ParseHeader(container)
		if err != nil || !h.Matches(fsimage.TypeBoardID) {
			return nil, fmt.Errorf("running board id unknown and container has no %s record", fsimage.TypeBoardID)
		}
		if running, err = fsimage.ParseBoardID(h.Descr()); err != nil {
			return nil, err
		}
	}

	nbootRec, err := fsimage.Find(container, fsimage.TypeNBoot, e.config.Arch)
	if err != nil {
		return nil, err
	}
	nh, nbootPayload, err := fsimage.Record(nbootRec)
	if err != nil {
		return nil, err
	}
	arch := e.config.Arch
	if arch == "" {
		arch = nh.Descr()
	}

	configs, err := fsimage.FindChild(nbootPayload, fsimage.TypeBoardConfigs, arch)
	if err != nil {
		return nil, err
	}
	cfgRec, cfgID, err := fsimage.BestBoardConfig(configs, running)
	if err != nil {
		return nil, err
	}
	ch, cfgPayload, err := fsimage.Record(cfgRec)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Parse(fsimage.Body(ch, cfgPayload))
	if err != nil {
		return nil, err
	}
	e.logDebug("board configuration selected", "running", running.String(), "selected", cfgID.String(), "caps", cat.Caps.String())

	plan := &savePlan{arch: arch, boardID: cfgID, cat: cat}
	if plan.nboot, err = e.region(cat, catalog.LabelNBoot); err != nil {
		return nil, err
	}
	if plan.spl, err = e.region(cat, catalog.LabelSPL); err != nil {
		return nil, err
	}

	var crc fsimage.Flags
	if cat.Caps&catalog.CapCRC32 != 0 {
		crc = fsimage.FlagsCRC32
	}

	// NBOOT(arch) { BOARD-CFG(board) FIRMWARE(arch) }
	p := region.NewPlan(plan.nboot)
	nb, off, err := region.Open(p, fsimage.TypeNBoot, arch, 0)
	if err != nil {
		return nil, err
	}
	cfgStart := off
	switch {
	case ch.Flags&fsimage.FlagSigned != 0:
		off, err = region.Add(p, cfgRec, "", "", off, region.Verbatim)
	case cat.Caps&catalog.CapBoardRev != 0:
		off, err = region.Add(p, cfgRec, fsimage.TypeBoardCfg, running.String(), off, region.WithHeader)
	default:
		off, err = region.Add(p, cfgRec, "", "", off, region.WithHeader)
	}
	if err != nil {
		return nil, err
	}
	cfgEnd := off
	if off, err = region.AddBySearch(p, nbootPayload, fsimage.TypeFirmware, arch, off, region.Verbatim); err != nil {
		return nil, err
	}
	if _, err = region.Close(p, nb, off); err != nil {
		return nil, err
	}
	if plan.nbootImage, err = region.Render(p, crc); err != nil {
		return nil, err
	}
	if plan.boardCfg, _, err = splitRecord(plan.nbootImage[cfgStart:cfgEnd]); err != nil {
		return nil, err
	}

	// the ROM executes the SPL, so it is stored without a header
	sp := region.NewPlan(plan.spl)
	if _, err = region.AddBySearch(sp, nbootPayload, fsimage.TypeSPL, arch, 0, 0); err != nil {
		return nil, err
	}
	if plan.splImage, err = region.Render(sp, 0); err != nil {
		return nil, err
	}
	return plan, nil
}

// splitRecord trims b to the record at its start, without padding.
func splitRecord(b []byte) ([]byte, []byte, error) {
	_, payload, err := fsimage.Record(b)
	if err != nil {
		return nil, nil, err
	}
	return b[:fsimage.HeaderSize+len(payload)], payload, nil
}
