package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moffa90/go-fsimage/engine"
	"github.com/moffa90/go-fsimage/stream"
)

// artifactOutput is one loaded artifact.
type artifactOutput struct {
	Name string `json:"name"`
	File string `json:"file,omitempty"`
	Size int    `json:"size"`
	Copy *int   `json:"copy,omitempty"`
}

type loadOutput struct {
	Source    string           `json:"source"`
	BoardID   string           `json:"board_id,omitempty"`
	Artifacts []artifactOutput `json:"artifacts"`
	Damaged   []int            `json:"damaged_copies,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// artifactFiles names the output file of every job's artifacts.
var artifactFiles = []struct {
	job  stream.JobSet
	name string
	file string
	data func(*engine.LoadResult) []byte
}{
	{stream.JobBoardCfg, "board-cfg", "board-cfg.dtb", func(r *engine.LoadResult) []byte { return r.BoardCfg }},
	{stream.JobDRAM, "dram-fw", "dram-fw.bin", func(r *engine.LoadResult) []byte { return r.DRAMFW }},
	{stream.JobDRAM, "dram-timing", "dram-timing.bin", func(r *engine.LoadResult) []byte { return r.DRAMTiming }},
	{stream.JobATF, "atf", "atf.bin", func(r *engine.LoadResult) []byte { return r.ATF }},
	{stream.JobTEE, "tee", "tee.bin", func(r *engine.LoadResult) []byte { return r.TEE }},
}

func newLoadCommand() *cobra.Command {
	var (
		jobsFlag string
		outDir   string
		from     string
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Read boot firmware back from the device",
		Long: `Read boot firmware back from the device

The NBOOT region is read from copy 0, falling back to copy 1 for whatever
copy 0 cannot serve. With --from the artifacts are taken from a container
file instead, streamed in chunks as a bootloader would.

Jobs: board-cfg, dram, atf, tee or all.`,
		Example: `  fsimage load --out artifacts/
  fsimage load --jobs atf,tee --json
  fsimage load --from firmware.fs --jobs dram`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := stream.ParseJobSet(jobsFlag)
			if err != nil {
				return err
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.view.close()

			out := loadOutput{Source: s.dev.cfg.Image}
			var (
				res     *engine.LoadResult
				loadErr error
			)
			if from != "" {
				out.Source = from
				f, err := os.Open(from)
				if err != nil {
					return err
				}
				defer f.Close()
				res, loadErr = s.eng.LoadContainer(context.Background(), f, jobs)
			} else {
				res, loadErr = s.eng.Load(context.Background(), jobs)
			}
			out.Error = errString(loadErr)

			if res != nil {
				arts, err := collectArtifacts(res, jobs, outDir)
				if err != nil {
					return err
				}
				out.Artifacts = arts
				if res.BoardID.Name != "" {
					out.BoardID = res.BoardID.String()
				}
				for cp := 0; cp < 2; cp++ {
					if res.Damaged&(1<<cp) != 0 {
						out.Damaged = append(out.Damaged, cp)
					}
				}
			}

			if s.flags.json {
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return loadErr
			}
			w := cmd.OutOrStdout()
			if out.BoardID != "" {
				fmt.Fprintf(w, "Board configuration: %s\n", out.BoardID)
			}
			for _, a := range out.Artifacts {
				src := ""
				if a.Copy != nil {
					src = fmt.Sprintf("copy %d", *a.Copy)
				}
				fmt.Fprintf(w, "✓ %-12s %-10s %-7s %s\n", a.Name, formatBytes(int64(a.Size)), src, a.File)
			}
			for _, cp := range out.Damaged {
				fmt.Fprintf(w, "✗ copy %d is damaged\n", cp)
			}
			return loadErr
		},
	}

	cmd.Flags().StringVar(&jobsFlag, "jobs", "all", "artifacts to load")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write the artifacts to")
	cmd.Flags().StringVar(&from, "from", "", "load from a container file instead of the device")
	return cmd
}

// collectArtifacts lists the artifacts of res for jobs and writes them to
// dir when it is set.
func collectArtifacts(res *engine.LoadResult, jobs stream.JobSet, dir string) ([]artifactOutput, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	var out []artifactOutput
	for _, af := range artifactFiles {
		data := af.data(res)
		if !jobs.Has(af.job) || data == nil {
			continue
		}
		a := artifactOutput{Name: af.name, Size: len(data)}
		if cp, ok := res.Sources[af.job]; ok {
			a.Copy = &cp
		}
		if dir != "" {
			a.File = filepath.Join(dir, af.file)
			if err := os.WriteFile(a.File, data, 0o644); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, nil
}
