package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/fsimage"
	"github.com/moffa90/go-fsimage/region"
)

// SaveUBoot stores a U-Boot image in the U-BOOT region with the same
// two-copy discipline as Save. image is a U-BOOT record or a raw binary;
// whether it is stored with a header is decided by the board configuration.
func (e *Engine) SaveUBoot(ctx context.Context, image []byte, force bool) (*SaveReport, error) {
	cat, err := e.catalog()
	if err != nil {
		return nil, err
	}
	r, err := e.region(cat, catalog.LabelUBoot)
	if err != nil {
		return nil, err
	}
	img, err := e.ubootImage(cat, r, image)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled: %w", err)
	}

	report := &SaveReport{}
	rr := e.saveRegion(ctx, r, img, force)
	report.Regions = append(report.Regions, rr)
	if rr.Failed == 3 {
		e.logError("both copies failed, the device may not boot anymore", "region", rr.Label)
		return report, &UnbootableError{Region: rr.Label, Errors: rr.Errors}
	}
	if rr.Degraded() {
		e.logWarn("one copy failed, the region has no redundancy", "region", rr.Label, "failed_mask", rr.Failed)
	}
	return report, nil
}

// ubootImage renders the region image for a U-Boot binary or record.
func (e *Engine) ubootImage(cat *catalog.Catalog, r catalog.Region, image []byte) ([]byte, error) {
	isRecord := fsimage.IsContainerTag(image)
	if isRecord {
		if err := e.checkRecord(image); err != nil {
			return nil, err
		}
		h, _, _ := fsimage.Record(image)
		if !h.Matches(fsimage.TypeUBoot) {
			return nil, fmt.Errorf("expected a %s record, got %s", fsimage.TypeUBoot, h.TypeString())
		}
	}

	var crc fsimage.Flags
	if cat.Caps&catalog.CapCRC32 != 0 {
		crc = fsimage.FlagsCRC32
	}

	p := region.NewPlan(r)
	var err error
	switch {
	case cat.Caps&catalog.CapUBootWithHeader == 0 && isRecord:
		_, err = region.Add(p, image, "", "", 0, 0)
	case cat.Caps&catalog.CapUBootWithHeader == 0:
		_, err = region.Add(p, image, fsimage.TypeUBoot, "", 0, region.Raw)
	case isRecord:
		_, err = region.Add(p, image, "", "", 0, region.Verbatim)
	default:
		_, err = region.Add(p, image, fsimage.TypeUBoot, e.config.Arch, 0, region.WithHeader|region.Raw)
	}
	if err != nil {
		return nil, err
	}
	return region.Render(p, crc)
}

// LoadUBoot returns the U-Boot binary from the first good copy. Without a
// stored header the whole region is returned.
func (e *Engine) LoadUBoot(ctx context.Context) ([]byte, error) {
	cat, err := e.catalog()
	if err != nil {
		return nil, err
	}
	r, err := e.region(cat, catalog.LabelUBoot)
	if err != nil {
		return nil, err
	}

	var errs [2]error
	for cp := 0; cp < 2; cp++ {
		e.logInfo("loading region copy", "region", r.Label, "copy", cp)
		data, err := e.loadUBootCopy(ctx, cat, r, cp)
		if err == nil {
			if cp == 1 {
				e.logWarn("one copy damaged, loaded from the other", "region", r.Label, "error", errs[0])
			}
			return data, nil
		}
		errs[cp] = err
		e.logWarn("region copy damaged", "region", r.Label, "copy", cp, "error", err)
	}
	return nil, &LoadError{Region: r.Label, Errors: errs}
}

func (e *Engine) loadUBootCopy(ctx context.Context, cat *catalog.Catalog, r catalog.Region, cp int) ([]byte, error) {
	if cat.Caps&catalog.CapUBootWithHeader == 0 {
		data, err := e.backend.Read(ctx, r, cp, 0, r.Size)
		if err != nil {
			return nil, err
		}
		if blank(data[:min(int64(len(data)), e.backend.BlockSize())]) {
			return nil, fmt.Errorf("%w: %s copy %d is blank", fsimage.ErrNotFound, r.Label, cp)
		}
		return data, nil
	}

	rec, err := e.readRecord(ctx, r, cp, 0)
	if err != nil {
		return nil, err
	}
	h, payload, err := fsimage.Record(rec)
	if err != nil {
		return nil, err
	}
	if !h.Matches(fsimage.TypeUBoot) {
		return nil, fmt.Errorf("%w: %s at region start", fsimage.ErrNotFound, fsimage.TypeUBoot)
	}
	if err := e.checkRecord(rec); err != nil {
		return nil, err
	}
	return fsimage.Body(h, payload), nil
}

// saveRegion writes img to both copies of r in save order.
func (e *Engine) saveRegion(ctx context.Context, r catalog.Region, img []byte, force bool) RegionReport {
	rr := RegionReport{Label: r.Label, Size: int64(len(img))}
	if !force && e.upToDate(ctx, r, img) {
		rr.Skipped = true
		e.logInfo("region up to date, skipping", "region", r.Label)
		return rr
	}

	prog := e.newProgress(2)
	for _, cp := range e.copyOrder() {
		prog.report(PhaseWriting, r.Label, cp)
		e.logInfo("writing region copy", "region", r.Label, "copy", cp, "size", len(img))
		if err := e.writeCopy(ctx, r, cp, img); err != nil {
			rr.Failed |= 1 << cp
			rr.Errors[cp] = err
			e.logError("region copy failed", "region", r.Label, "copy", cp, "error", err)
		} else {
			e.logInfo("region copy written", "region", r.Label, "copy", cp)
		}
		prog.step(int64(len(img)))
	}
	prog.report(PhaseComplete, r.Label, 0)
	return rr
}

// blank reports whether b is erased NAND or zeroed eMMC.
func blank(b []byte) bool {
	return len(bytes.Trim(b, "\xff")) == 0 || len(bytes.Trim(b, "\x00")) == 0
}
