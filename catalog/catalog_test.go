package catalog

import (
	"context"
	"errors"
	"testing"
)

func testLayout() Layout {
	return Layout{
		DRAMType:   "lpddr4",
		DRAMTiming: "micron-2g",
		Caps:       CapCRC32 | CapBoardRev,
		Regions: []Region{
			{Label: LabelSPL, Start: [2]int64{0x0, 0x40000}, Size: 0x40000, Limit: 0x40000},
			{Label: LabelNBoot, Start: [2]int64{0x80000, 0x100000}, Size: 0x60000, Limit: 0x80000},
			{Label: LabelEnv, Start: [2]int64{0x180000, 0x1C0000}, Size: 0x4000, Limit: 0x40000, HWPart: [2]int{1, 2}},
		},
	}
}

func mustParse(t *testing.T, l Layout) *Catalog {
	t.Helper()
	blob, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	c, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return c
}

func TestRegion(t *testing.T) {
	c := mustParse(t, testLayout())

	r, err := c.Region(LabelNBoot, 0x20000)
	if err != nil {
		t.Fatalf("Region() error = %v", err)
	}
	if r.Start != [2]int64{0x80000, 0x100000} {
		t.Errorf("Start = %#x", r.Start)
	}
	if r.Size != 0x60000 || r.Limit != 0x80000 {
		t.Errorf("Size = %#x, Limit = %#x", r.Size, r.Limit)
	}
	if r.End(1) != 0x180000 {
		t.Errorf("End(1) = %#x", r.End(1))
	}

	spl, err := c.Region(LabelSPL, 0x20000)
	if err != nil {
		t.Fatalf("Region(spl) error = %v", err)
	}
	if spl.Limit != spl.Size {
		t.Errorf("Limit without range = %#x, want size %#x", spl.Limit, spl.Size)
	}
}

func TestRegionErrors(t *testing.T) {
	c := mustParse(t, testLayout())

	if _, err := c.Region(LabelUBoot, 0x200); !errors.Is(err, ErrMissing) {
		t.Errorf("missing region error = %v, want ErrMissing", err)
	}

	_, err := c.Region(LabelNBoot, 0x40000)
	var ae *AlignmentError
	if !errors.As(err, &ae) {
		t.Fatalf("misaligned error = %v, want *AlignmentError", err)
	}
	if ae.Property != "nboot-size" {
		t.Errorf("Property = %q, want nboot-size", ae.Property)
	}
}

func TestMMCRegion(t *testing.T) {
	c := mustParse(t, testLayout())

	spl, err := c.MMCRegion(LabelSPL, 512, 1)
	if err != nil {
		t.Fatalf("MMCRegion() error = %v", err)
	}
	if spl.HWPart != [2]int{1, 1} {
		t.Errorf("default HWPart = %v, want both on boot partition", spl.HWPart)
	}

	env, err := c.MMCRegion(LabelEnv, 512, 0)
	if err != nil {
		t.Fatalf("MMCRegion(env) error = %v", err)
	}
	if env.HWPart != [2]int{1, 2} {
		t.Errorf("split HWPart = %v, want [1 2]", env.HWPart)
	}
}

func TestCapsAndDRAM(t *testing.T) {
	c := mustParse(t, testLayout())
	if c.Caps != CapCRC32|CapBoardRev {
		t.Errorf("Caps = %v", c.Caps)
	}
	typ, timing, err := c.DRAM()
	if err != nil {
		t.Fatalf("DRAM() error = %v", err)
	}
	if typ != "lpddr4" || timing != "micron-2g" {
		t.Errorf("DRAM() = %q, %q", typ, timing)
	}

	l := testLayout()
	l.DRAMTiming = ""
	if _, _, err := mustParse(t, l).DRAM(); !errors.Is(err, ErrMissing) {
		t.Errorf("DRAM() without timing error = %v, want ErrMissing", err)
	}
}

func TestParseRejectsMissingInfo(t *testing.T) {
	if _, err := Parse([]byte("not a tree")); err == nil {
		t.Error("Parse() of garbage succeeded")
	}
}

func TestLegacyEnv(t *testing.T) {
	slots := []Region{
		{Label: LabelEnv, Start: [2]int64{0x100000, 0x120000}, Size: 0x4000, Limit: 0x20000},
		{Label: LabelEnv, Start: [2]int64{0x300000, 0x320000}, Size: 0x4000, Limit: 0x20000},
		{Label: LabelEnv, Start: [2]int64{0x380000, 0x3A0000}, Size: 0x4000, Limit: 0x20000},
	}
	probe := func(valid ...int64) func(context.Context, Region) (bool, error) {
		return func(_ context.Context, r Region) (bool, error) {
			for _, v := range valid {
				if r.Start[0] == v {
					return true, nil
				}
			}
			return false, nil
		}
	}

	tests := []struct {
		name    string
		valid   []int64
		want    int64
		wantErr error
	}{
		{"single valid slot", []int64{0x300000}, 0x300000, nil},
		{"no valid slot", nil, 0, ErrMissing},
		{"two valid slots", []int64{0x100000, 0x380000}, 0, ErrAmbiguous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := LegacyEnv{Slots: slots, Probe: probe(tt.valid...)}
			r, err := s.Resolve(context.Background(), nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if r.Start[0] != tt.want {
				t.Errorf("Resolve() = %v, want start 0x%X", r, tt.want)
			}
		})
	}
}

func TestChainEnv(t *testing.T) {
	legacy := LegacyEnv{
		Slots: []Region{{Label: LabelEnv, Start: [2]int64{0x300000, 0x320000}, Size: 0x4000, Limit: 0x20000}},
		Probe: func(context.Context, Region) (bool, error) { return true, nil },
	}
	lookup := func(c *Catalog, label string) (Region, error) { return c.Region(label, 0x200) }
	chain := ChainEnv{CatalogEnv{Lookup: lookup}, legacy}

	// catalog entry wins when present
	r, name, err := chain.ResolveNamed(context.Background(), mustParse(t, testLayout()))
	if err != nil {
		t.Fatalf("ResolveNamed() error = %v", err)
	}
	if name != "catalog" || r.Start[0] != 0x180000 {
		t.Errorf("ResolveNamed() = %v via %s", r, name)
	}

	// falls back to legacy without env-* entries
	l := testLayout()
	l.Regions = l.Regions[:2]
	r, name, err = chain.ResolveNamed(context.Background(), mustParse(t, l))
	if err != nil {
		t.Fatalf("ResolveNamed() error = %v", err)
	}
	if name != "legacy" || r.Start[0] != 0x300000 {
		t.Errorf("ResolveNamed() = %v via %s", r, name)
	}

	// misaligned catalog entry stops the chain
	misaligned := func(c *Catalog, label string) (Region, error) { return c.Region(label, 0x100000) }
	chain = ChainEnv{CatalogEnv{Lookup: misaligned}, legacy}
	_, _, err = chain.ResolveNamed(context.Background(), mustParse(t, testLayout()))
	var ae *AlignmentError
	if !errors.As(err, &ae) {
		t.Errorf("ResolveNamed() error = %v, want *AlignmentError", err)
	}
}
