package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/model"
)

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var step string
	cmd := &cobra.Command{
		Use:   "check <phase>",
		Short: "Check whether a phase may run for the current unit",
		Long: `Exits 0 when the phase may run, 2 when the preceding phase has not
passed, and 3 when the key has exhausted its retries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				key, err := a.key(opts, args[0], step)
				if err != nil {
					return err
				}
				res, checkErr := a.engine.Check(cmd.Context(), key)
				if res == nil {
					return checkErr
				}
				if err := emit(cmd.OutOrStdout(), opts, res, func(w io.Writer) { printCheck(w, res) }); err != nil {
					return err
				}
				return checkErr
			})
		},
	}
	cmd.Flags().StringVar(&step, "step", "", "step within the phase")
	return cmd
}

func printCheck(w io.Writer, res *gate.CheckResult) {
	if res.Allowed {
		fmt.Fprintf(w, "allowed: %s\n", res.Key)
	} else {
		fmt.Fprintf(w, "blocked: %s\n", res.Key)
		if res.Reason != "" {
			fmt.Fprintf(w, "reason: %s\n", res.Reason)
		}
	}
	fmt.Fprintf(w, "attempts: %d/%d (level %d, %s)\n", res.Attempts, res.MaxAttempts, res.RecoveryLevel, res.Tier)
	fmt.Fprintf(w, "guidance: %s\n", res.Guidance)
	fmt.Fprintf(w, "drift: %s (%d)\n", res.Drift.Name, res.Drift.Count)
}

func newReportCmd(opts *globalOptions) *cobra.Command {
	var (
		step    string
		verdict string
		payload string
		kind    string
		signals []string
	)
	cmd := &cobra.Command{
		Use:   "report <phase>",
		Short: "Record the verdict of a phase attempt",
		Long: `A PASS checkpoints the phase and resets its retry counter. PENDING or
BLOCKER climbs the retry ladder and the drift counter, and may attach a
backtrack recommendation. Exits 3 once the retry limit is reached.

--payload takes inline JSON, @file or - for stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := model.ParseVerdict(verdict)
			if err != nil {
				return err
			}
			body, err := readPayload(payload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				key, err := a.key(opts, args[0], step)
				if err != nil {
					return err
				}
				res, reportErr := a.engine.Report(cmd.Context(), gate.Report{
					Key:     key,
					Verdict: v,
					Payload: body,
					Signals: signals,
					Kind:    kind,
				})
				if res == nil {
					return reportErr
				}
				if err := emit(cmd.OutOrStdout(), opts, res, func(w io.Writer) { printReport(w, res) }); err != nil {
					return err
				}
				return reportErr
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&step, "step", "", "step within the phase")
	f.StringVar(&verdict, "verdict", "", "PASS, PENDING or BLOCKER")
	f.StringVar(&payload, "payload", "", "checkpoint payload (JSON, @file or -)")
	f.StringVar(&kind, "kind", "", "failure kind recorded in the retry history")
	f.StringArrayVar(&signals, "signal", nil, "failure description (repeatable)")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func printReport(w io.Writer, res *gate.ReportResult) {
	fmt.Fprintf(w, "%s: %s\n", res.Key, res.Verdict)
	if res.Verdict != model.VerdictPass || res.RetryReset {
		fmt.Fprintf(w, "attempts: %d/%d (level %d, %s)\n", res.Attempts, res.MaxAttempts, res.RecoveryLevel, res.Tier)
		fmt.Fprintf(w, "guidance: %s\n", res.Guidance)
	}
	if res.Drift != nil {
		fmt.Fprintf(w, "drift: %s (%d): %s\n", res.Drift.Name, res.Drift.Count, res.Drift.Guidance)
	}
	if res.Backtrack != nil {
		fmt.Fprintf(w, "backtrack: %s\n", res.Backtrack)
	}
	if res.UnitCompleted {
		fmt.Fprintln(w, "unit completed")
	}
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
