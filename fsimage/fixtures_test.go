package fsimage

import (
	"bytes"
	"testing"
)

func sampleTree() Node {
	return Node{
		Type:  TypeBoardID,
		Descr: "board.5",
		Children: []Node{{
			Type:  TypeNBoot,
			Descr: "arch",
			Children: []Node{
				{
					Type:  TypeBoardConfigs,
					Descr: "arch",
					Children: []Node{
						{Type: TypeBoardCfg, Descr: "board.3", Data: []byte("cfg-rev-3")},
						{Type: TypeBoardCfg, Descr: "board.7", Data: []byte("cfg-rev-7")},
					},
				},
				{
					Type:  TypeFirmware,
					Descr: "arch",
					Children: []Node{
						{Type: TypeATF, Descr: "arch", Data: bytes.Repeat([]byte{0xA7}, 100)},
					},
				},
				{Type: TypeSPL, Descr: "arch", Data: bytes.Repeat([]byte{0x51}, 33)},
			},
		}},
	}
}

func buildSample(t *testing.T, flags Flags) []byte {
	t.Helper()
	b, err := Build(sampleTree(), flags)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return b
}
