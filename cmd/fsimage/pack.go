package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moffa90/go-fsimage/fsimage"
)

// PackSpec describes a container to build. File paths are relative to the
// spec file.
//
//	crc: true
//	root:
//	  type: BOARD-ID
//	  descr: PicoCoreMX8MM.120
//	  children:
//	    - type: NBOOT
//	      descr: fsimx8mm
//	      children:
//	        - type: SPL
//	          descr: fsimx8mm
//	          file: spl.bin
type PackSpec struct {
	CRC  bool     `yaml:"crc"`
	Root PackNode `yaml:"root"`
}

// PackNode is one record of a PackSpec.
type PackNode struct {
	Type     string     `yaml:"type"`
	Descr    string     `yaml:"descr"`
	File     string     `yaml:"file"`
	Children []PackNode `yaml:"children"`
}

func (n PackNode) node(dir string) (fsimage.Node, error) {
	if n.Type == "" {
		return fsimage.Node{}, fmt.Errorf("record without type")
	}
	out := fsimage.Node{Type: n.Type, Descr: n.Descr}
	if n.File != "" {
		path := n.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("%s(%s): %w", n.Type, n.Descr, err)
		}
		out.Data = data
	}
	for _, c := range n.Children {
		child, err := c.node(dir)
		if err != nil {
			return out, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

// LoadPackSpec reads a PackSpec from path.
func LoadPackSpec(path string) (PackSpec, error) {
	var spec PackSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, err
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse %s: %w", path, err)
	}
	return spec, nil
}

// Build assembles the container described by spec.
func (spec PackSpec) Build(dir string) ([]byte, error) {
	root, err := spec.Root.node(dir)
	if err != nil {
		return nil, err
	}
	var crc fsimage.Flags
	if spec.CRC {
		crc = fsimage.FlagsCRC32
	}
	return fsimage.Build(root, crc)
}

func newPackCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "pack <spec.yml>",
		Short:   "Build a container from a YAML tree description",
		Example: `  fsimage pack firmware.yml -o firmware.fs`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := LoadPackSpec(args[0])
			if err != nil {
				return err
			}
			container, err := spec.Build(filepath.Dir(args[0]))
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, container, 0o644); err != nil {
				return err
			}
			if !getGlobalFlags(cmd).quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s (%s)\n", output, formatBytes(int64(len(container))))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output container file")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
