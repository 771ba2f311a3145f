package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moffa90/go-fsimage/engine"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print or edit the redundant environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			vars, err := s.eng.LoadEnv(context.Background())
			if err != nil {
				return err
			}
			if s.flags.json {
				return printJSON(cmd.OutOrStdout(), vars)
			}
			for _, k := range sortedKeys(vars) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, vars[k])
			}
			return nil
		},
	}
	cmd.AddCommand(newEnvSetCommand(), newEnvUnsetCommand())
	return cmd
}

func newEnvSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set <name=value>...",
		Short:   "Set environment variables",
		Example: `  fsimage env set bootdelay=0 bootcmd="run mmcboot"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editEnv(cmd, func(vars map[string]string) error {
				for _, arg := range args {
					k, v, ok := strings.Cut(arg, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid assignment %q, want name=value", arg)
					}
					vars[k] = v
				}
				return nil
			})
		},
	}
}

func newEnvUnsetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <name>...",
		Short: "Remove environment variables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editEnv(cmd, func(vars map[string]string) error {
				for _, k := range args {
					delete(vars, k)
				}
				return nil
			})
		},
	}
}

// editEnv loads the environment, applies edit and saves the result. A device
// without a valid environment starts from an empty one.
func editEnv(cmd *cobra.Command, edit func(map[string]string) error) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	vars, err := s.eng.LoadEnv(ctx)
	switch {
	case errors.Is(err, engine.ErrNoEnv):
		s.logger.Warn("no valid environment, starting empty")
		vars = map[string]string{}
	case err != nil:
		return err
	}
	if err := edit(vars); err != nil {
		return err
	}
	if err := s.eng.SaveEnv(ctx, vars); err != nil {
		return err
	}
	if err := s.persist(); err != nil {
		return err
	}
	if !s.flags.json && !s.flags.quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved %d variables\n", len(vars))
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
