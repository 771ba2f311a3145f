package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/moffa90/go-fsimage/catalog"
	"github.com/moffa90/go-fsimage/flash"
	"github.com/moffa90/go-fsimage/flash/sim"
	"github.com/moffa90/go-fsimage/fsimage"
	"github.com/moffa90/go-fsimage/internal/testimage"
)

func ubootRecord(t *testing.T) []byte {
	t.Helper()
	rec, err := testimage.UBootRecord(fsimage.FlagsCRC32)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// savedMMC returns an eMMC device holding a saved container.
func savedMMC(t *testing.T) (*sim.MMC, *Engine) {
	t.Helper()
	dev := newSimMMC()
	eng := newTestEngine(flash.NewMMC(dev))
	container := buildContainer(t, testimage.Options{Layout: testimage.EMMCLayout(), CRC: fsimage.FlagsCRC32})
	if _, err := eng.Save(context.Background(), container, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return dev, eng
}

func TestUBootWithoutHeader(t *testing.T) {
	ctx := context.Background()
	_, eng := savedNAND(t)

	if _, err := eng.LoadUBoot(ctx); err == nil {
		t.Fatal("LoadUBoot() of blank region succeeded")
	}

	report, err := eng.SaveUBoot(ctx, ubootRecord(t), false)
	if err != nil {
		t.Fatalf("SaveUBoot() error = %v", err)
	}
	if rr := report.Regions[0]; rr.Skipped || rr.Failed != 0 {
		t.Errorf("uboot skipped=%v failed=%b", rr.Skipped, rr.Failed)
	}

	got, err := eng.LoadUBoot(ctx)
	if err != nil {
		t.Fatalf("LoadUBoot() error = %v", err)
	}
	uboot := regionOf(testimage.NANDLayout(), catalog.LabelUBoot)
	if int64(len(got)) != uboot.Size {
		t.Errorf("LoadUBoot() returned %d bytes, want the whole region of %d", len(got), uboot.Size)
	}
	if !bytes.HasPrefix(got, testimage.UBoot) {
		t.Error("region does not start with the U-Boot binary")
	}

	// a raw binary is stored the same way as the stripped record
	report, err = eng.SaveUBoot(ctx, testimage.UBoot, false)
	if err != nil {
		t.Fatalf("SaveUBoot(raw) error = %v", err)
	}
	if !report.Regions[0].Skipped {
		t.Error("raw binary was stored differently from the record")
	}
}

func TestUBootWithHeader(t *testing.T) {
	tests := []struct {
		name  string
		image func(t *testing.T) []byte
	}{
		{"record", ubootRecord},
		{"raw binary", func(*testing.T) []byte { return testimage.UBoot }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dev, eng := savedMMC(t)

			if _, err := eng.SaveUBoot(ctx, tt.image(t), false); err != nil {
				t.Fatalf("SaveUBoot() error = %v", err)
			}
			got, err := eng.LoadUBoot(ctx)
			if err != nil {
				t.Fatalf("LoadUBoot() error = %v", err)
			}
			if !bytes.Equal(got, testimage.UBoot) {
				t.Fatal("LoadUBoot() returned different bytes")
			}

			uboot := regionOf(testimage.EMMCLayout(), catalog.LabelUBoot)
			user := dev.Partition(sim.PartUser)
			user[uboot.Start[0]+fsimage.HeaderSize+5] ^= 0xFF
			got, err = eng.LoadUBoot(ctx)
			if err != nil {
				t.Fatalf("LoadUBoot() with copy 0 damaged error = %v", err)
			}
			if !bytes.Equal(got, testimage.UBoot) {
				t.Error("fallback returned different bytes")
			}

			user[uboot.Start[1]+fsimage.HeaderSize+5] ^= 0xFF
			_, err = eng.LoadUBoot(ctx)
			var le *LoadError
			if !errors.As(err, &le) || le.Region != catalog.LabelUBoot {
				t.Fatalf("LoadUBoot() with both copies damaged error = %v, want *LoadError for %s", err, catalog.LabelUBoot)
			}
		})
	}
}

func TestSaveUBootErrors(t *testing.T) {
	ctx := context.Background()

	eng := newTestEngine(flash.NewMMC(newSimMMC()))
	if _, err := eng.SaveUBoot(ctx, testimage.UBoot, false); !errors.Is(err, ErrNoBoardConfig) {
		t.Errorf("SaveUBoot() without board config error = %v, want ErrNoBoardConfig", err)
	}

	_, eng = savedMMC(t)
	wrong, err := fsimage.EncodeRecord(fsimage.TypeATF, "bl31", testimage.ATF, fsimage.FlagsCRC32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.SaveUBoot(ctx, wrong, false); err == nil {
		t.Error("SaveUBoot() accepted an ATF record")
	}

	bad := ubootRecord(t)
	bad[fsimage.HeaderSize+7] ^= 0x01
	if _, err := eng.SaveUBoot(ctx, bad, false); !fsimage.IsValidationError(err) {
		t.Errorf("SaveUBoot() of corrupted record error = %v, want ValidationError", err)
	}

	big := make([]byte, regionOf(testimage.EMMCLayout(), catalog.LabelUBoot).Size+1)
	if _, err := eng.SaveUBoot(ctx, big, false); err == nil {
		t.Error("SaveUBoot() accepted an image larger than the region")
	}
}
