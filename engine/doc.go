// Package engine saves firmware containers to NAND or eMMC storage and loads
// them back, keeping two copies of every region.
//
// # Overview
//
// A save walks this sequence:
//   - Validating every CRC and top-level signature of the container
//   - Selecting the BOARD-CFG with the highest revision the board accepts
//   - Rendering the NBOOT region (BOARD-CFG and FIRMWARE) and the SPL region
//   - Writing the copy the board did not boot from, then the booted copy
//
// Each copy is invalidated, written without its leading block, and only then
// completed with the leading block that carries the header. A power loss at
// any point leaves the copy either complete or visibly absent.
//
// # Basic Usage
//
//	chip := sim.NewNAND(geo)
//	eng := engine.New(flash.NewNAND(chip), engine.WithArch("fsimx8mm"))
//
//	report, err := eng.Save(ctx, container, false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := eng.Load(ctx, stream.JobAll)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("ATF: %d bytes\n", len(res.ATF))
//
// Load needs the BOARD-CFG of the running board to find the regions. After a
// Save the engine knows it; otherwise pass it with WithCatalog.
//
// # Progress Tracking
//
//	eng := engine.New(backend,
//	    engine.WithProgressCallback(func(p engine.Progress) {
//	        fmt.Printf("[%s] %s copy %d %.1f%%\n", p.Phase, p.Region, p.Copy, p.Percentage)
//	    }),
//	)
//
// # Error Handling
//
// The package provides structured error types:
//   - UnbootableError: both copies of a region failed to save
//   - LoadError: no copy could serve a region or job
//   - fsimage.ValidationError: a CRC or signature check failed
//   - flash.IOError: a device access failed, with region, copy and offset
//
// A save where one copy of a region failed returns a report whose
// Degraded method is true and no error.
package engine
