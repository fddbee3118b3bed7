package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/backtrack"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/setup"
	"github.com/msageha/phasegate/internal/status"
)

func newBacktrackCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtrack",
		Short: "Classify failures and map them to an earlier phase to redo",
	}

	var attempts int
	classifyCmd := &cobra.Command{
		Use:   "classify <signal>...",
		Short: "Classify failure signals and recommend a backtrack target",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				rec := a.router.Recommend(args, attempts)
				return emit(cmd.OutOrStdout(), opts, rec, func(w io.Writer) {
					fmt.Fprintf(w, "category: %s", rec.Category)
					if !rec.Matched {
						fmt.Fprint(w, " (no rule matched)")
					}
					fmt.Fprintln(w)
					fmt.Fprintf(w, "target: %s\n", rec.Target)
					if !rec.Actionable {
						fmt.Fprintln(w, "not actionable yet: retry before backtracking")
					}
				})
			})
		},
	}
	classifyCmd.Flags().IntVar(&attempts, "attempts", 0, "times this failure has been seen")

	routeCmd := &cobra.Command{
		Use:   "route [category]",
		Short: "Print the backtrack target of a category, or the whole table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				if len(args) == 0 {
					routes := a.router.Routes()
					return emit(cmd.OutOrStdout(), opts, routes, func(w io.Writer) {
						for _, r := range routes {
							fmt.Fprintf(w, "%-20s %s\n", r.Category, r.Target)
						}
					})
				}
				c, err := model.ParseFailureCategory(args[0])
				if err != nil {
					return err
				}
				target, err := a.router.Route(c)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, backtrack.Route{Category: c, Target: target}, func(w io.Writer) {
					fmt.Fprintf(w, "%s -> %s\n", c, target)
				})
			})
		},
	}

	cmd.AddCommand(classifyCmd, routeCmd)
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoints, retries and drift for the workflow instance",
		Long: `Reports every unit with state, or only --unit when given. A unit whose
checkpoints pass out of order is flagged: its last completed phase is
ahead of its unbroken pass prefix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				inst, err := a.instanceID()
				if err != nil {
					return err
				}
				var units []string
				if cmd.Flags().Changed("unit") {
					units = []string{opts.unit}
				}
				st, err := status.Collect(a.statusSources(), inst, a.engine.Phases(), units)
				if err != nil {
					return err
				}
				return status.Write(cmd.OutOrStdout(), st, opts.jsonOutput)
			})
		},
	}
}

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the gate event audit log",
	}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the checksum of every audit log entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				path := filepath.Join(a.root, setup.AuditLogFile)
				total, valid, err := events.VerifyLogIntegrity(path)
				if err != nil {
					return err
				}
				out := map[string]any{"path": path, "total": total, "valid": valid}
				if err := emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d/%d entries valid\n", path, valid, total)
				}); err != nil {
					return err
				}
				if valid != total {
					return fmt.Errorf("audit log has %d invalid entries", total-valid)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(verifyCmd)
	return cmd
}

func newInitCmd(opts *globalOptions) *cobra.Command {
	var (
		name   string
		phases string
	)
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create .phasegate/ with a default config and a new workflow instance id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			var phaseList []string
			if phases != "" {
				for _, p := range strings.Split(phases, ",") {
					phaseList = append(phaseList, strings.TrimSpace(p))
				}
			}
			res, err := setup.Run(dir, setup.Options{
				ProjectName: name,
				InstanceID:  opts.instance,
				Phases:      phaseList,
			})
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "initialized %s\n", res.Root)
				fmt.Fprintf(w, "workflow instance: %s\n", res.InstanceID)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	cmd.Flags().StringVar(&phases, "phases", "", "comma-separated pipeline phases (default: discovery,planning,build,scan)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phasegate %s\n", version)
		},
	}
}
