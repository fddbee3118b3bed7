package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/backtrack"
	"github.com/msageha/phasegate/internal/checkpoint"
	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/drift"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/gate"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/notify"
	"github.com/msageha/phasegate/internal/retry"
	"github.com/msageha/phasegate/internal/setup"
	"github.com/msageha/phasegate/internal/statefile"
	"github.com/msageha/phasegate/internal/status"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	root       string
	jsonOutput bool
	verbose    bool
	instance   string
	unit       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "phasegate",
		Short: "Phase gate orchestration for multi-phase agent workflows",
		Long: `phasegate gates each phase of a workflow on the checkpoint of the previous
phase, escalates repeated failures, tracks strategy drift across retries and
narrows re-validation to the part of the dependency graph a change touches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.root, "root", "", "path to the .phasegate directory (default: search upward from the working directory)")
	pf.BoolVar(&opts.jsonOutput, "json", false, "write JSON output")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr at the configured level")
	pf.StringVar(&opts.instance, "instance", "", "workflow instance id (default: workflow.instance_id)")
	pf.StringVar(&opts.unit, "unit", "", "work unit id (empty for the global scope)")
	pf.StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newInitCmd(opts),
		newCheckCmd(opts),
		newReportCmd(opts),
		newCheckpointCmd(opts),
		newRetryCmd(opts),
		newDriftCmd(opts),
		newImpactCmd(opts),
		newDepsCmd(opts),
		newScopeCmd(opts),
		newBacktrackCmd(opts),
		newStatusCmd(opts),
		newAuditCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// app holds the components wired for one invocation.
type app struct {
	root    string
	cfg     *model.Config
	logger  *zap.Logger
	syncLog func() error

	files       *statefile.Files
	checkpoints *checkpoint.Store
	retry       *retry.Controller
	drift       *drift.Tracker
	router      *backtrack.Router
	locker      gate.Locker
	bus         *events.Bus
	audit       *events.AuditLogger
	metrics     *metrics.Recorder
	engine      *gate.Engine
}

func openApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	root := opts.root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if root, err = setup.FindRoot(wd); err != nil {
			return nil, err
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a phasegate directory (run `phasegate init`)", root)
	}

	overrides := map[string]any{}
	if opts.instance != "" {
		overrides["workflow.instance_id"] = opts.instance
	}
	if opts.logLevel != "" {
		overrides["logging.level"] = opts.logLevel
	}
	cfg, err := config.Load(config.Options{Root: root, Overrides: overrides})
	if err != nil {
		return nil, err
	}

	logger, syncLog, err := logging.New(cfg.Logging, logging.Options{
		FilePath: config.Resolve(root, cfg.Logging.File),
		Stderr:   cmd.ErrOrStderr(),
		Verbose:  opts.verbose,
	})
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("command", cmd.CommandPath()))

	a := &app{root: root, cfg: cfg, logger: logger, syncLog: syncLog}
	stateDir := filepath.Join(root, setup.StateDir)
	a.files = statefile.New(filepath.Join(root, setup.QuarantineDir), logger)
	a.checkpoints = checkpoint.NewStore(stateDir, a.files, logger)
	a.retry = retry.NewController(stateDir, a.files, cfg.Retry.MaxAttempts, logger)
	a.drift = drift.NewTracker(stateDir, a.files, drift.Thresholds{
		TacticalMax:      cfg.Drift.TacticalMax,
		StrategyShiftMax: cfg.Drift.StrategyShiftMax,
	}, logger)
	a.router = backtrack.NewRouter(cfg.Backtrack.Routes, cfg.Backtrack.EscalationThreshold)

	if cfg.Lock.Enabled {
		a.locker = lock.NewInstanceLocker(filepath.Join(root, setup.LocksDir), time.Duration(cfg.Lock.TimeoutSec)*time.Second)
	} else {
		a.locker = lock.NopLocker{}
	}

	a.bus = events.NewBus(logger)
	a.metrics = metrics.NewRecorder()
	a.bus.SubscribeAll(a.metrics.Subscriber())
	a.bus.Subscribe(events.EventEscalationExhausted, notify.New(cfg.Notify, logger).Subscriber())
	if cfg.Audit.Enabled {
		a.audit, err = events.NewAuditLogger(filepath.Join(root, setup.AuditLogFile), cfg.Audit.MaxBytes, logger)
		if err != nil {
			_ = syncLog()
			return nil, err
		}
		a.bus.SubscribeAll(a.audit.Subscriber())
	}

	a.engine, err = gate.New(cfg.Pipeline, gate.Deps{
		Checkpoints: a.checkpoints,
		Retry:       a.retry,
		Drift:       a.drift,
		Router:      a.router,
		Locker:      a.locker,
		Events:      a.bus,
		Logger:      logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close flushes the audit log, the metrics textfile and the logger.
func (a *app) Close() error {
	var err error
	if a.audit != nil {
		err = multierr.Append(err, a.audit.Close())
	}
	if path := config.Resolve(a.root, a.cfg.Metrics.Textfile); path != "" {
		err = multierr.Append(err, a.metrics.WriteTextfile(path))
	}
	return multierr.Append(err, a.syncLog())
}

// withApp opens the app, runs fn and closes the app. fn's error wins over a
// close error.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(*app) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if cerr := a.Close(); cerr != nil {
		if runErr == nil {
			return cerr
		}
		a.logger.Warn("close failed", zap.Error(cerr))
	}
	return runErr
}

func (a *app) instanceID() (string, error) {
	if a.cfg.Workflow.InstanceID == "" {
		return "", errors.New("no workflow instance: pass --instance or set workflow.instance_id")
	}
	return a.cfg.Workflow.InstanceID, nil
}

func (a *app) key(opts *globalOptions, phase, step string) (model.WorkUnitKey, error) {
	inst, err := a.instanceID()
	if err != nil {
		return model.WorkUnitKey{}, err
	}
	return model.NewKey(inst, opts.unit, phase, step)
}

func (a *app) scope(opts *globalOptions) (model.Scope, error) {
	inst, err := a.instanceID()
	if err != nil {
		return model.Scope{}, err
	}
	s := model.Scope{InstanceID: inst, UnitID: opts.unit}
	return s, s.Validate()
}

// withLock runs fn under the instance lock, for commands that write state
// without going through the gate engine.
func (a *app) withLock(ctx context.Context, instanceID string, fn func() error) (err error) {
	release, err := a.locker.Acquire(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if uerr := release(); uerr != nil && err == nil {
			err = fmt.Errorf("release instance lock: %w", uerr)
		}
	}()
	return fn()
}

func (a *app) statusSources() status.Sources {
	return status.Sources{
		StateDir:    filepath.Join(a.root, setup.StateDir),
		Checkpoints: a.checkpoints,
		Retry:       a.retry,
		Drift:       a.drift,
	}
}

// projectDir is the directory index paths in config are relative to.
func (a *app) projectDir() string {
	if a.cfg.Project.Root != "" {
		return a.cfg.Project.Root
	}
	return filepath.Dir(a.root)
}
