package engine

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/flash"
	"github.com/moffa90/go-fsimage/fsimage"
	"github.com/moffa90/go-fsimage/internal/testimage"
	"github.com/moffa90/go-fsimage/stream"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, d := range devices() {
		t.Run(d.name, func(t *testing.T) {
			backend, _ := d.backend()
			container := buildContainer(t, testimage.Options{Layout: d.layout, CRC: fsimage.FlagsCRC32})
			logger := &MockLogger{}
			eng := newTestEngine(backend, WithLogger(logger))

			report, err := eng.Save(ctx, container, false)
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if report.BoardID != testimage.Running(3) {
				t.Errorf("BoardID = %v, want %v", report.BoardID, testimage.Running(3))
			}
			if len(report.Regions) != 2 {
				t.Fatalf("got %d region reports, want 2", len(report.Regions))
			}
			for _, rr := range report.Regions {
				if rr.Skipped || rr.Failed != 0 {
					t.Errorf("region %s: skipped=%v failed=%b", rr.Label, rr.Skipped, rr.Failed)
				}
			}
			if report.Degraded() {
				t.Error("Degraded() = true after a clean save")
			}
			if len(logger.infoMsgs) == 0 {
				t.Error("expected info messages")
			}

			res, err := eng.Load(ctx, stream.JobAll)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			checkArtifacts(t, res, testimage.ATF)

			wantCfg, err := catalog.Encode(d.layout)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(res.BoardCfg, wantCfg) {
				t.Error("BOARD-CFG payload differs")
			}
			// board-rev stores the running id
			if res.BoardID != testimage.Running(5) {
				t.Errorf("stored BoardID = %v, want %v", res.BoardID, testimage.Running(5))
			}
			for job, cp := range res.Sources {
				if cp != 0 {
					t.Errorf("%s served from copy %d, want 0", job, cp)
				}
			}
			if res.Damaged != 0 {
				t.Errorf("Damaged = %b, want 0", res.Damaged)
			}

			spl := regionOf(d.layout, catalog.LabelSPL)
			for cp := 0; cp < 2; cp++ {
				got, err := backend.Read(ctx, spl, cp, 0, int64(len(testimage.SPL)))
				if err != nil {
					t.Fatalf("read SPL copy %d: %v", cp, err)
				}
				if !bytes.Equal(got, testimage.SPL) {
					t.Errorf("SPL copy %d not stored raw", cp)
				}
			}
		})
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	chip := newSimNAND()
	eng := newTestEngine(flash.NewNAND(chip))
	container := buildContainer(t, testimage.Options{})

	if _, err := eng.Save(ctx, container, false); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	first := bytes.Clone(chip.Bytes())
	ops := chip.Ops()

	report, err := eng.Save(ctx, container, false)
	if err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	for _, rr := range report.Regions {
		if !rr.Skipped {
			t.Errorf("region %s rewritten although up to date", rr.Label)
		}
	}
	if chip.Ops() != ops {
		t.Errorf("second save changed the chip %d times", chip.Ops()-ops)
	}

	report, err = eng.Save(ctx, container, true)
	if err != nil {
		t.Fatalf("forced Save() error = %v", err)
	}
	for _, rr := range report.Regions {
		if rr.Skipped {
			t.Errorf("region %s skipped despite force", rr.Label)
		}
	}
	if !bytes.Equal(chip.Bytes(), first) {
		t.Error("forced save left different contents")
	}
}

func TestSaveWriteOrder(t *testing.T) {
	type step struct {
		phase  string
		region string
		cp     int
	}

	tests := []struct {
		name     string
		bootCopy int
		want     []step
	}{
		{
			name:     "booted from copy 0",
			bootCopy: 0,
			want: []step{
				{PhaseWriting, "nboot", 1},
				{PhaseWriting, "spl", 1},
				{PhaseBootControl, "spl", 1},
				{PhaseWriting, "nboot", 0},
				{PhaseWriting, "spl", 0},
				{PhaseBootControl, "spl", 0},
			},
		},
		{
			name:     "booted from copy 1",
			bootCopy: 1,
			want: []step{
				{PhaseWriting, "nboot", 0},
				{PhaseWriting, "spl", 0},
				{PhaseBootControl, "spl", 0},
				{PhaseWriting, "nboot", 1},
				{PhaseWriting, "spl", 1},
				{PhaseBootControl, "spl", 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []step
			eng := newTestEngine(flash.NewNAND(newSimNAND()),
				WithBootCopy(tt.bootCopy),
				WithProgressCallback(func(p Progress) {
					if p.Phase == PhaseWriting || p.Phase == PhaseBootControl {
						got = append(got, step{p.Phase, p.Region, p.Copy})
					}
				}),
			)
			if _, err := eng.Save(context.Background(), buildContainer(t, testimage.Options{}), false); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d steps %v, want %v", len(got), got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("step %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSaveProgress(t *testing.T) {
	var updates []Progress
	eng := newTestEngine(flash.NewNAND(newSimNAND()), WithProgressCallback(func(p Progress) {
		updates = append(updates, p)
	}))
	if _, err := eng.Save(context.Background(), buildContainer(t, testimage.Options{}), false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if len(updates) == 0 {
		t.Fatal("no progress reported")
	}
	if updates[0].Phase != PhaseValidating {
		t.Errorf("first phase = %s, want %s", updates[0].Phase, PhaseValidating)
	}
	last := updates[len(updates)-1]
	if last.Phase != PhaseComplete || last.Percentage != 100 {
		t.Errorf("last update = %s %.1f%%, want %s 100%%", last.Phase, last.Percentage, PhaseComplete)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].Percentage < updates[i-1].Percentage {
			t.Errorf("percentage went back from %.1f to %.1f", updates[i-1].Percentage, updates[i].Percentage)
		}
		if updates[i].BytesWritten < updates[i-1].BytesWritten {
			t.Errorf("bytes written went back from %d to %d", updates[i-1].BytesWritten, updates[i].BytesWritten)
		}
	}
}

func TestSaveSelectsBoardConfig(t *testing.T) {
	tests := []struct {
		name    string
		running fsimage.BoardID
		want    fsimage.BoardID
		wantErr error
	}{
		{"newer board picks newest older config", testimage.Running(5), testimage.Running(3), nil},
		{"exact match", testimage.Running(7), testimage.Running(7), nil},
		{"far newer board", testimage.Running(9), testimage.Running(7), nil},
		{"board older than every config", testimage.Running(2), fsimage.BoardID{}, fsimage.ErrNotFound},
		{"other board", fsimage.BoardID{Name: "other", Rev: 9}, fsimage.BoardID{}, fsimage.ErrNotFound},
		{"taken from BOARD-ID", fsimage.BoardID{}, testimage.Running(3), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip := newSimNAND()
			eng := New(flash.NewNAND(chip), WithArch(testimage.Arch), WithBoardID(tt.running))
			report, err := eng.Save(context.Background(), buildContainer(t, testimage.Options{}), false)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Save() error = %v, want %v", err, tt.wantErr)
				}
				if chip.Ops() != 0 {
					t.Error("failed plan still changed the chip")
				}
				return
			}
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if report.BoardID != tt.want {
				t.Errorf("BoardID = %v, want %v", report.BoardID, tt.want)
			}
			if eng.BoardConfig() == nil {
				t.Error("BoardConfig() not set after save")
			}
		})
	}
}

func TestSaveRejectsInvalidContainer(t *testing.T) {
	container := buildContainer(t, testimage.Options{CRC: fsimage.FlagsCRC32})
	off, err := testimage.Offset(container, fsimage.TypeSPL, testimage.Arch)
	if err != nil {
		t.Fatal(err)
	}
	container[off+fsimage.HeaderSize+1] ^= 0x80

	chip := newSimNAND()
	eng := newTestEngine(flash.NewNAND(chip))
	_, err = eng.Save(context.Background(), container, false)
	if !fsimage.IsValidationError(err) {
		t.Fatalf("Save() error = %v, want ValidationError", err)
	}
	if chip.Ops() != 0 {
		t.Error("invalid container reached the chip")
	}
}

func TestSaveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chip := newSimNAND()
	eng := newTestEngine(flash.NewNAND(chip))
	_, err := eng.Save(ctx, buildContainer(t, testimage.Options{}), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Save() error = %v, want context.Canceled", err)
	}
	if chip.Ops() != 0 {
		t.Error("cancelled save changed the chip")
	}
}

func TestSaveRetriesAfterBadBlock(t *testing.T) {
	ctx := context.Background()
	chip := newSimNAND()
	// third block of the NBOOT copy 1
	chip.FailProgram(50)

	logger := &MockLogger{}
	eng := newTestEngine(flash.NewNAND(chip), WithLogger(logger))
	report, err := eng.Save(ctx, buildContainer(t, testimage.Options{}), false)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if report.Degraded() {
		t.Errorf("Degraded() = true, failed masks %b %b", report.Regions[0].Failed, report.Regions[1].Failed)
	}
	if bad, _ := chip.IsBad(50); !bad {
		t.Error("failing block not marked bad")
	}
	if len(logger.warnMsgs) == 0 {
		t.Error("expected a warning about the restart")
	}

	// copy 1 alone must serve everything
	nboot := regionOf(testimage.NANDLayout(), catalog.LabelNBoot)
	chip.Bytes()[nboot.Start[0]] ^= 0xFF

	res, err := eng.Load(ctx, stream.JobAll)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checkArtifacts(t, res, testimage.ATF)
	if res.Sources[stream.JobATF] != 1 {
		t.Errorf("ATF served from copy %d, want 1", res.Sources[stream.JobATF])
	}
}

func TestSaveDegraded(t *testing.T) {
	ctx := context.Background()
	chip := newSimNAND()
	chip.FailErase(48)
	chip.FailErase(49)

	eng := newTestEngine(flash.NewNAND(chip))
	report, err := eng.Save(ctx, buildContainer(t, testimage.Options{}), false)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !report.Degraded() {
		t.Fatal("Degraded() = false")
	}
	if got := report.Regions[0].Failed; got != 2 {
		t.Errorf("nboot failed mask = %b, want 10", got)
	}
	if !errors.Is(report.Regions[0].Errors[1], flash.ErrBlocksChanged) {
		t.Errorf("copy 1 error = %v, want ErrBlocksChanged", report.Regions[0].Errors[1])
	}

	res, err := eng.Load(ctx, stream.JobAll)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checkArtifacts(t, res, testimage.ATF)
	if res.Damaged != 2 {
		t.Errorf("Damaged = %b, want 10", res.Damaged)
	}
}

func TestSaveUnbootable(t *testing.T) {
	chip := newSimNAND()
	for _, b := range []int{32, 33, 48, 49} {
		chip.FailErase(b)
	}

	eng := newTestEngine(flash.NewNAND(chip))
	report, err := eng.Save(context.Background(), buildContainer(t, testimage.Options{}), false)

	var ue *UnbootableError
	if !errors.As(err, &ue) {
		t.Fatalf("Save() error = %v, want *UnbootableError", err)
	}
	if ue.Region != catalog.LabelNBoot {
		t.Errorf("Region = %q, want %q", ue.Region, catalog.LabelNBoot)
	}
	if report == nil || report.Regions[0].Failed != 3 {
		t.Fatalf("report = %+v, want nboot failed mask 11", report)
	}
	if report.Regions[1].Failed != 0 {
		t.Errorf("spl failed mask = %b, want 0", report.Regions[1].Failed)
	}
}

func TestSavePowerCut(t *testing.T) {
	ctx := context.Background()
	optsA := testimage.Options{CRC: fsimage.FlagsCRC32}
	containerA := buildContainer(t, optsA)
	atfB := testimage.Pattern(0xB0, len(testimage.ATF))
	containerB := containerWithATF(t, optsA, atfB)

	t.Run("nand", func(t *testing.T) {
		base := newSimNAND()
		baseEng := newTestEngine(flash.NewNAND(base))
		if _, err := baseEng.Save(ctx, containerA, false); err != nil {
			t.Fatal(err)
		}
		cfg := baseEng.BoardConfig()

		probe := base.Clone()
		if _, err := newTestEngine(flash.NewNAND(probe)).Save(ctx, containerB, false); err != nil {
			t.Fatal(err)
		}
		total := probe.Ops()

		step := 1
		if testing.Short() {
			step = 17
		}
		for n := 0; n <= total; n += step {
			chip := base.Clone()
			chip.CutPowerAfter(n)
			_, _ = newTestEngine(flash.NewNAND(chip)).Save(ctx, containerB, false)
			chip.Restore()

			eng := newTestEngine(flash.NewNAND(chip), WithCatalog(cfg))
			checkAfterCut(t, eng, n, testimage.NANDLayout(), testimage.ATF, atfB)
		}
	})

	t.Run("emmc", func(t *testing.T) {
		o := testimage.Options{Layout: testimage.EMMCLayout(), CRC: fsimage.FlagsCRC32}
		a := buildContainer(t, o)
		b := containerWithATF(t, o, atfB)

		base := newSimMMC()
		baseEng := newTestEngine(flash.NewMMC(base))
		if _, err := baseEng.Save(ctx, a, false); err != nil {
			t.Fatal(err)
		}
		cfg := baseEng.BoardConfig()

		probe := base.Clone()
		if _, err := newTestEngine(flash.NewMMC(probe)).Save(ctx, b, false); err != nil {
			t.Fatal(err)
		}
		total := probe.Ops()

		step := 3
		if testing.Short() {
			step = 23
		}
		for n := 0; n <= total; n += step {
			dev := base.Clone()
			dev.CutPowerAfter(n)
			_, _ = newTestEngine(flash.NewMMC(dev)).Save(ctx, b, false)
			dev.Restore()

			eng := newTestEngine(flash.NewMMC(dev), WithCatalog(cfg))
			checkAfterCut(t, eng, n, testimage.EMMCLayout(), testimage.ATF, atfB)
		}
	})
}

// checkAfterCut requires that a load returns either the old or the new ATF
// and that no copy with a recognizable header is damaged.
func checkAfterCut(t *testing.T, eng *Engine, n int, layout catalog.Layout, oldATF, newATF []byte) {
	t.Helper()
	ctx := context.Background()

	res, err := eng.Load(ctx, stream.JobAll)
	if err != nil {
		t.Fatalf("cut after %d: Load() error = %v", n, err)
	}
	if !bytes.Equal(res.ATF, oldATF) && !bytes.Equal(res.ATF, newATF) {
		t.Fatalf("cut after %d: ATF is neither old nor new", n)
	}
	if !bytes.Equal(res.DRAMFW, testimage.DRAMFW) {
		t.Fatalf("cut after %d: DRAM firmware differs", n)
	}

	nboot := regionOf(layout, catalog.LabelNBoot)
	for cp := 0; cp < 2; cp++ {
		hb, err := eng.backend.Read(ctx, nboot, cp, 0, fsimage.HeaderSize)
		if err != nil {
			t.Fatalf("cut after %d: read copy %d: %v", n, cp, err)
		}
		if h, err := fsimage.ParseHeader(hb); err != nil || !h.Matches(fsimage.TypeNBoot) {
			continue
		}
		if err := eng.checkCopy(ctx, nboot, cp); err != nil {
			t.Fatalf("cut after %d: copy %d has a header but is damaged: %v", n, cp, err)
		}
	}
}

func TestSaveRetriesBootControl(t *testing.T) {
	for _, block := range []int{0, 1} {
		ctx := context.Background()
		chip := newSimNAND()
		// boot control block of copy n is block n
		chip.FailProgram(block)

		logger := &MockLogger{}
		backend := flash.NewNAND(chip)
		eng := newTestEngine(backend, WithLogger(logger))
		report, err := eng.Save(ctx, buildContainer(t, testimage.Options{}), false)
		if err != nil {
			t.Fatalf("block %d: Save() error = %v", block, err)
		}
		if report.Degraded() {
			t.Errorf("block %d: Degraded() = true, errors %v", block, report.Regions[1].Errors)
		}
		if bad, _ := chip.IsBad(block); !bad {
			t.Errorf("block %d: failing block not marked bad", block)
		}
		if !slices.Contains(logger.warnMsgs, "bad blocks changed, restarting boot control") {
			t.Errorf("block %d: warnings = %v", block, logger.warnMsgs)
		}

		bcb, err := backend.ReadBootControl(ctx, block)
		if err != nil {
			t.Fatalf("block %d: ReadBootControl() error = %v", block, err)
		}
		if !slices.Contains(bcb.BadBlocks, uint32(block)) {
			t.Errorf("block %d: bad block table = %v", block, bcb.BadBlocks)
		}
	}
}

func TestSaveRejectsTamperedSignature(t *testing.T) {
	// no CRC, so only the ATF signature can catch the change
	container := buildContainer(t, testimage.Options{Signer: testimage.HashSigner{}})
	off, err := testimage.Offset(container, fsimage.TypeATF, "bl31")
	if err != nil {
		t.Fatal(err)
	}
	container[off+fsimage.HeaderSize+3] ^= 0x01

	for _, locked := range []bool{false, true} {
		chip := newSimNAND()
		eng := newTestEngine(flash.NewNAND(chip), WithVerifier(testimage.HashVerifier), WithLocked(locked))
		_, err := eng.Save(context.Background(), container, false)
		if !errors.Is(err, fsimage.ErrSignature) {
			t.Fatalf("locked=%v: Save() error = %v, want ErrSignature", locked, err)
		}
		if chip.Ops() != 0 {
			t.Errorf("locked=%v: tampered container reached the chip", locked)
		}
	}
}

func TestSaveLoadLocked(t *testing.T) {
	ctx := context.Background()
	container := buildContainer(t, testimage.Options{CRC: fsimage.FlagsCRC32, Signer: testimage.HashSigner{}})

	chip := newSimNAND()
	eng := newTestEngine(flash.NewNAND(chip), WithLocked(true), WithVerifier(testimage.HashVerifier))
	report, err := eng.Save(ctx, container, false)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if report.Degraded() {
		t.Error("locked save degraded")
	}

	res, err := eng.Load(ctx, stream.JobAll)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checkArtifacts(t, res, testimage.ATF)
	if res.Damaged != 0 {
		t.Errorf("Damaged = %b, want 0", res.Damaged)
	}
	blob, err := catalog.Encode(testimage.NANDLayout())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.BoardCfg, blob) {
		t.Errorf("BoardCfg is %d bytes, want %d", len(res.BoardCfg), len(blob))
	}

	// a fresh engine on the same chip reads the stored, still signed, configuration
	again := newTestEngine(flash.NewNAND(chip), WithLocked(true), WithVerifier(testimage.HashVerifier), WithCatalog(eng.BoardConfig()))
	if _, err := again.Load(ctx, stream.JobATF|stream.JobTEE); err != nil {
		t.Fatalf("Load() with stored configuration error = %v", err)
	}
	if err := fsimage.VerifySignature(eng.BoardConfig(), testimage.HashVerifier, true); err != nil {
		t.Errorf("stored BOARD-CFG signature: %v", err)
	}
}
