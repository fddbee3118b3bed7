package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/drift"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/retry"
)

func newCheckpointCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Read and write phase checkpoints directly",
	}

	var readStep string
	readCmd := &cobra.Command{
		Use:   "read <phase>",
		Short: "Print the checkpoint of a phase (absent prints nothing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				key, err := a.key(opts, args[0], readStep)
				if err != nil {
					return err
				}
				rec, err := a.checkpoints.Read(key)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, rec, func(w io.Writer) {
					if rec == nil {
						fmt.Fprintf(w, "%s: no checkpoint\n", key)
						return
					}
					fmt.Fprintf(w, "%s: %s at %s\n", key, rec.Verdict, rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
					if len(rec.Payload) > 0 {
						fmt.Fprintf(w, "payload: %s\n", rec.Payload)
					}
				})
			})
		},
	}
	readCmd.Flags().StringVar(&readStep, "step", "", "step within the phase")

	var writeStep, writeVerdict, writePayload string
	writeCmd := &cobra.Command{
		Use:   "write <phase>",
		Short: "Write a checkpoint without touching retry or drift state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := model.ParseVerdict(writeVerdict)
			if err != nil {
				return err
			}
			body, err := readPayload(writePayload, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				key, err := a.key(opts, args[0], writeStep)
				if err != nil {
					return err
				}
				err = a.withLock(cmd.Context(), key.InstanceID, func() error {
					h, err := a.checkpoints.Write(key, v, body)
					if err != nil {
						return err
					}
					return emit(cmd.OutOrStdout(), opts, h, func(w io.Writer) {
						fmt.Fprintf(w, "wrote %s\n", h.Path)
					})
				})
				return err
			})
		},
	}
	wf := writeCmd.Flags()
	wf.StringVar(&writeStep, "step", "", "step within the phase")
	wf.StringVar(&writeVerdict, "verdict", "", "PASS, PENDING or BLOCKER")
	wf.StringVar(&writePayload, "payload", "", "checkpoint payload (JSON, @file or -)")
	_ = writeCmd.MarkFlagRequired("verdict")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every checkpoint of the current unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				scope, err := a.scope(opts)
				if err != nil {
					return err
				}
				err = a.withLock(cmd.Context(), scope.InstanceID, func() error {
					return a.checkpoints.Clear(scope)
				})
				if err != nil {
					return err
				}
				a.bus.Publish(events.EventCheckpointCleared, model.WorkUnitKey{InstanceID: scope.InstanceID, UnitID: scope.UnitID}, nil)
				return emit(cmd.OutOrStdout(), opts, map[string]any{"cleared": true, "unit": scope.UnitID}, func(w io.Writer) {
					fmt.Fprintf(w, "cleared checkpoints of unit %s\n", orGlobal(scope.UnitID))
				})
			})
		},
	}

	lastCmd := &cobra.Command{
		Use:   "last",
		Short: "Print the last completed phase of the current unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				scope, err := a.scope(opts)
				if err != nil {
					return err
				}
				phases := a.engine.Phases()
				last, _ := a.checkpoints.LastCompletedPhase(scope, phases)
				prefix, _ := a.checkpoints.PassPrefix(scope, phases)
				out := map[string]any{
					"unit":                 scope.UnitID,
					"last_completed_phase": nilIfEmpty(last),
					"pass_prefix":          nilIfEmpty(prefix),
				}
				return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) {
					fmt.Fprintf(w, "last completed phase: %s\n", orNone(last))
					if prefix != last {
						fmt.Fprintf(w, "unbroken pass prefix ends at: %s\n", orNone(prefix))
					}
				})
			})
		},
	}

	cmd.AddCommand(readCmd, writeCmd, clearCmd, lastCmd)
	return cmd
}

func newRetryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect or reset the local retry counter",
	}

	var statusStep string
	statusCmd := &cobra.Command{
		Use:   "status <phase>",
		Short: "Print the attempt count, recovery level and history of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				key, err := a.key(opts, args[0], statusStep)
				if err != nil {
					return err
				}
				st, err := a.retry.State(key)
				if err != nil {
					return err
				}
				level := retry.LevelFor(st.Count)
				out := struct {
					retry.State
					MaxAttempts   int                  `json:"max_attempts"`
					RecoveryLevel int                  `json:"recovery_level"`
					Tier          model.EscalationTier `json:"tier"`
					Guidance      string               `json:"guidance"`
				}{st, a.retry.MaxAttempts(), level, model.TierForLevel(level), retry.Guidance(level)}
				return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d/%d attempts (level %d, %s)\n", key, st.Count, out.MaxAttempts, level, out.Tier)
					fmt.Fprintf(w, "guidance: %s\n", out.Guidance)
					for _, h := range st.History {
						fmt.Fprintf(w, "  %s  %s  %s\n", h.At.Format("2006-01-02T15:04:05Z07:00"), h.Kind, h.Detail)
					}
				})
			})
		},
	}
	statusCmd.Flags().StringVar(&statusStep, "step", "", "step within the phase")

	var resetStep string
	var resetAll bool
	resetCmd := &cobra.Command{
		Use:   "reset [phase]",
		Short: "Reset the retry counter of a key, or of the whole unit with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resetAll == (len(args) == 1) {
				return fmt.Errorf("give either a phase or --all")
			}
			return withApp(cmd, opts, func(a *app) error {
				scope, err := a.scope(opts)
				if err != nil {
					return err
				}
				key := model.WorkUnitKey{InstanceID: scope.InstanceID, UnitID: scope.UnitID}
				if !resetAll {
					if key, err = a.key(opts, args[0], resetStep); err != nil {
						return err
					}
				}
				err = a.withLock(cmd.Context(), scope.InstanceID, func() error {
					if resetAll {
						return a.retry.ResetScope(scope)
					}
					return a.retry.Reset(key)
				})
				if err != nil {
					return err
				}
				a.bus.Publish(events.EventRetryReset, key, map[string]any{"all": resetAll})
				return emit(cmd.OutOrStdout(), opts, map[string]any{"reset": true}, func(w io.Writer) {
					if resetAll {
						fmt.Fprintf(w, "reset retry state of unit %s\n", orGlobal(scope.UnitID))
					} else {
						fmt.Fprintf(w, "reset %s\n", key)
					}
				})
			})
		},
	}
	resetCmd.Flags().StringVar(&resetStep, "step", "", "step within the phase")
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every key of the unit")

	cmd.AddCommand(statusCmd, resetCmd)
	return cmd
}

func newDriftCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Inspect or reset the instance-wide strategy drift counter",
	}

	var statusStep string
	statusCmd := &cobra.Command{
		Use:   "status [phase]",
		Short: "Print the drift strategy of a phase, or every counter of the instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				inst, err := a.instanceID()
				if err != nil {
					return err
				}
				if len(args) == 0 {
					states, err := a.drift.List(inst)
					if err != nil {
						return err
					}
					return emit(cmd.OutOrStdout(), opts, states, func(w io.Writer) {
						if len(states) == 0 {
							fmt.Fprintln(w, "no drift recorded")
						}
						th := a.drift.Thresholds()
						for _, s := range states {
							fmt.Fprintf(w, "%s: %d (%s)\n", s.Key, s.Count, drift.LevelName(th.Level(s.Count)))
						}
					})
				}
				key, err := a.key(opts, args[0], statusStep)
				if err != nil {
					return err
				}
				st, err := a.drift.Peek(key)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s (%d, %s)\n", key.Unscoped(), st.Name, st.Count, st.Tier)
					fmt.Fprintf(w, "guidance: %s\n", st.Guidance)
				})
			})
		},
	}
	statusCmd.Flags().StringVar(&statusStep, "step", "", "step within the phase")

	var resetStep string
	var resetAll bool
	resetCmd := &cobra.Command{
		Use:   "reset [phase]",
		Short: "Reset the drift counter of a phase, or of the whole instance with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resetAll == (len(args) == 1) {
				return fmt.Errorf("give either a phase or --all")
			}
			return withApp(cmd, opts, func(a *app) error {
				inst, err := a.instanceID()
				if err != nil {
					return err
				}
				key := model.WorkUnitKey{InstanceID: inst}
				if !resetAll {
					if key, err = a.key(opts, args[0], resetStep); err != nil {
						return err
					}
				}
				err = a.withLock(cmd.Context(), inst, func() error {
					if resetAll {
						return a.drift.ResetInstance(inst)
					}
					return a.drift.ResetStrategy(key)
				})
				if err != nil {
					return err
				}
				a.logger.Info("drift reset", zap.String("instance", inst), zap.Bool("all", resetAll))
				a.bus.Publish(events.EventDriftReset, key.Unscoped(), map[string]any{"all": resetAll})
				return emit(cmd.OutOrStdout(), opts, map[string]any{"reset": true}, func(w io.Writer) {
					if resetAll {
						fmt.Fprintf(w, "reset drift of instance %s\n", inst)
					} else {
						fmt.Fprintf(w, "reset %s\n", key.Unscoped())
					}
				})
			})
		},
	}
	resetCmd.Flags().StringVar(&resetStep, "step", "", "step within the phase")
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every drift counter of the instance")

	cmd.AddCommand(statusCmd, resetCmd)
	return cmd
}

func orGlobal(unit string) string {
	if unit == "" {
		return "(global)"
	}
	return unit
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
