package fdt

import (
	"errors"
	"testing"
)

func sampleTree() *Node {
	return &Node{
		Name: "",
		Children: []*Node{
			{
				Name: "board-cfg",
				Properties: map[string]Property{
					"dram-type":   {Strings: []string{"lpddr4"}},
					"dram-timing": {Strings: []string{"micron-2g"}},
				},
			},
			{
				Name: "nboot-info",
				Properties: map[string]Property{
					"support-crc32": {Flag: true},
					"spl-start":     {U32: []uint32{0x40000, 0x80000}},
					"spl-size":      {U32: []uint32{0x40000}},
				},
			},
		},
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	blob, err := Build(sampleTree())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tree, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg := tree.Node("/board-cfg")
	if cfg == nil {
		t.Fatal("missing /board-cfg")
	}
	if s, err := cfg.String("dram-type"); err != nil || s != "lpddr4" {
		t.Errorf("dram-type = %q, %v", s, err)
	}

	info := tree.Node("/nboot-info")
	if info == nil {
		t.Fatal("missing /nboot-info")
	}
	if !info.Has("support-crc32") {
		t.Error("support-crc32 flag missing")
	}
	starts, err := info.U32s("spl-start")
	if err != nil {
		t.Fatalf("U32s() error = %v", err)
	}
	if len(starts) != 2 || starts[0] != 0x40000 || starts[1] != 0x80000 {
		t.Errorf("spl-start = %#x", starts)
	}
	if _, err := info.U32s("uboot-start"); !errors.Is(err, ErrNoProperty) {
		t.Errorf("missing property error = %v, want ErrNoProperty", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	a, _ := Build(sampleTree())
	b, _ := Build(sampleTree())
	if string(a) != string(b) {
		t.Error("equal trees produced different blobs")
	}
}

func TestBuilderTokens(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", "console=ttymxc0")
	b.AddPropertyU32("answer", 42)
	b.AddPropertyEmpty("flag")
	b.EndNode()
	b.EndNode()

	tree, err := Parse(b.Build())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	n := tree.Node("chosen")
	if n == nil {
		t.Fatal("missing chosen node")
	}
	if v, _ := n.U32s("answer"); len(v) != 1 || v[0] != 42 {
		t.Errorf("answer = %v", v)
	}
	if s, _ := n.String("bootargs"); s != "console=ttymxc0" {
		t.Errorf("bootargs = %q", s)
	}
	if !n.Has("flag") {
		t.Error("flag missing")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"bad magic", make([]byte, 64)},
	}
	blob, _ := Build(sampleTree())
	tests = append(tests, struct {
		name string
		blob []byte
	}{"truncated", blob[:len(blob)/2]})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.blob); !errors.Is(err, ErrBadBlob) {
				t.Errorf("Parse() error = %v, want ErrBadBlob", err)
			}
		})
	}
}
