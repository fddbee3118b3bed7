package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/depgraph"
	"github.com/msageha/phasegate/internal/scope"
)

// impactFlags are shared by impact analyze, impact watch and scope.
type impactFlags struct {
	index    []string
	changed  []string
	maxDepth int
}

func (f *impactFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.index, "index", nil, "dependency index files or directories (default: impact.index_paths)")
	fl.StringSliceVar(&f.changed, "changed", nil, "changed node ids or source files (also accepted as arguments)")
	fl.IntVar(&f.maxDepth, "max-depth", -1, "propagation bound in hops (default: impact.max_depth)")
}

func (f *impactFlags) indexPaths(a *app) ([]string, error) {
	paths := f.index
	if len(paths) == 0 {
		for _, p := range a.cfg.Impact.IndexPaths {
			paths = append(paths, config.Resolve(a.projectDir(), p))
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no dependency index: pass --index or set impact.index_paths")
	}
	return paths, nil
}

func (f *impactFlags) depth(a *app) int {
	if f.maxDepth >= 0 {
		return f.maxDepth
	}
	return a.cfg.Impact.MaxDepth
}

func (f *impactFlags) items(args []string) []string {
	return append(append([]string(nil), f.changed...), args...)
}

type impactReport struct {
	depgraph.ImpactResult
	Unresolved []string            `json:"unresolved,omitempty"`
	RiskTiers  map[string][]string `json:"by_risk"`
	Scope      *scope.Scope        `json:"scope,omitempty"`
}

// analyze resolves the change set against g and propagates it. Items that
// match neither an id nor a file are kept as unknown seeds.
func analyze(g *depgraph.Graph, items []string, maxDepth int) *impactReport {
	ids, unresolved := g.ResolveChangeSet(items)
	res := g.AnalyzeImpact(append(ids, unresolved...), depgraph.ImpactOptions{MaxDepth: maxDepth})
	return &impactReport{ImpactResult: res, Unresolved: unresolved, RiskTiers: res.ByRisk(g)}
}

func printImpact(w io.Writer, r *impactReport) {
	fmt.Fprintf(w, "changed:  %s\n", joinOrDash(r.Changed.Sorted()))
	fmt.Fprintf(w, "affected: %s\n", joinOrDash(r.Affected.Sorted()))
	fmt.Fprintf(w, "depth reached: %d\n", r.DepthReached)
	fmt.Fprintf(w, "files: %s\n", joinOrDash(r.AffectedFiles.Sorted()))
	if len(r.Unresolved) > 0 {
		fmt.Fprintf(w, "unresolved: %s\n", strings.Join(r.Unresolved, ", "))
	}
	tiers := make([]string, 0, len(r.RiskTiers))
	for t := range r.RiskTiers {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		fmt.Fprintf(w, "risk %s: %s\n", t, strings.Join(r.RiskTiers[t], ", "))
	}
	if r.Scope != nil {
		printScope(w, r.Scope)
	}
}

func newImpactCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "impact",
		Short: "Propagate a change set through the dependency graph",
	}

	var af impactFlags
	analyzeCmd := &cobra.Command{
		Use:   "analyze [changed...]",
		Short: "Print the nodes and files affected by a change set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				paths, err := af.indexPaths(a)
				if err != nil {
					return err
				}
				g, err := depgraph.LoadGraph(cmd.Context(), paths...)
				if err != nil {
					return err
				}
				r := analyze(g, af.items(args), af.depth(a))
				a.logger.Info("impact analyzed",
					zap.Int("changed", len(r.Changed)),
					zap.Int("affected", len(r.Affected)),
					zap.Int("depth_reached", r.DepthReached))
				return emit(cmd.OutOrStdout(), opts, r, func(w io.Writer) { printImpact(w, r) })
			})
		},
	}
	af.register(analyzeCmd)

	var wf impactFlags
	var phase string
	watchCmd := &cobra.Command{
		Use:   "watch [changed...]",
		Short: "Re-run impact analysis whenever the dependency index changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				paths, err := wf.indexPaths(a)
				if err != nil {
					return err
				}
				var sel *scope.Selector
				depth := -1
				if phase != "" {
					if depth = indexOf(a.engine.Phases(), phase); depth < 0 {
						return fmt.Errorf("unknown phase %q", phase)
					}
					if sel, err = a.selector(); err != nil {
						return err
					}
				}
				items := wf.items(args)
				debounce := time.Duration(a.cfg.Impact.DebounceSec * float64(time.Second))
				out := cmd.OutOrStdout()
				return depgraph.Watch(cmd.Context(), paths, debounce, a.logger, func(g *depgraph.Graph, err error) {
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "index error: %v\n", err)
						return
					}
					r := analyze(g, items, wf.depth(a))
					if sel != nil {
						sc := sel.Select(r.ImpactResult, g, depth)
						r.Scope = &sc
					}
					if opts.jsonOutput {
						if err := writeJSON(out, r); err != nil {
							a.logger.Warn("write impact result failed", zap.Error(err))
						}
						return
					}
					fmt.Fprintf(out, "--- %s (%d nodes)\n", time.Now().Format(time.TimeOnly), g.Len())
					printImpact(out, r)
				})
			})
		},
	}
	wf.register(watchCmd)
	watchCmd.Flags().StringVar(&phase, "phase", "", "also print the validation scope for this phase")

	cmd.AddCommand(analyzeCmd, watchCmd)
	return cmd
}

func newScopeCmd(opts *globalOptions) *cobra.Command {
	var (
		f     impactFlags
		phase string
		depth int
	)
	cmd := &cobra.Command{
		Use:   "scope [changed...]",
		Short: "Select the validation checks a change set needs at a pipeline depth",
		Long: `Tag completeness always covers changed and affected nodes. Test checks
join at pipeline.tests_depth and integration checks at
pipeline.integration_depth. The depth is the index of --phase in the
pipeline, or --depth.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (phase == "") == (depth < 0) {
				return errors.New("give either --phase or --depth")
			}
			return withApp(cmd, opts, func(a *app) error {
				d := depth
				if phase != "" {
					if d = indexOf(a.engine.Phases(), phase); d < 0 {
						return fmt.Errorf("unknown phase %q", phase)
					}
				}
				sel, err := a.selector()
				if err != nil {
					return err
				}
				paths, err := f.indexPaths(a)
				if err != nil {
					return err
				}
				g, err := depgraph.LoadGraph(cmd.Context(), paths...)
				if err != nil {
					return err
				}
				r := analyze(g, f.items(args), f.depth(a))
				sc := sel.Select(r.ImpactResult, g, d)
				return emit(cmd.OutOrStdout(), opts, sc, func(w io.Writer) { printScope(w, &sc) })
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&phase, "phase", "", "pipeline phase the checks run in")
	cmd.Flags().IntVar(&depth, "depth", -1, "pipeline depth the checks run at")
	return cmd
}

func printScope(w io.Writer, sc *scope.Scope) {
	fmt.Fprintf(w, "scope at depth %d\n", sc.Depth)
	fmt.Fprintf(w, "  tag completeness: %s\n", joinOrDash(sc.CheckTagCompleteness.Sorted()))
	fmt.Fprintf(w, "  tests:            %s\n", joinOrDash(sc.CheckTests.Sorted()))
	fmt.Fprintf(w, "  integration:      %s\n", joinOrDash(sc.CheckIntegration.Sorted()))
}

func newDepsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Inspect the dependency index",
	}
	var index []string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the index is acyclic and print a topological order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				f := impactFlags{index: index}
				paths, err := f.indexPaths(a)
				if err != nil {
					return err
				}
				g, err := depgraph.LoadGraph(cmd.Context(), paths...)
				if err != nil {
					return err
				}
				order, err := g.TopoOrder()
				if err != nil {
					return err
				}
				out := map[string]any{"nodes": g.Len(), "edges": g.EdgeCount(), "order": order}
				return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) {
					fmt.Fprintf(w, "ok: %d nodes, %d edges, no cycles\n", g.Len(), g.EdgeCount())
					for i, id := range order {
						fmt.Fprintf(w, "%4d  %s\n", i+1, id)
					}
				})
			})
		},
	}
	checkCmd.Flags().StringSliceVar(&index, "index", nil, "dependency index files or directories (default: impact.index_paths)")
	cmd.AddCommand(checkCmd)
	return cmd
}

func (a *app) selector() (*scope.Selector, error) {
	return scope.NewSelector(scope.Policy{
		TestsDepth:       a.cfg.Pipeline.TestsDepth,
		IntegrationDepth: a.cfg.Pipeline.IntegrationDepth,
	})
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
