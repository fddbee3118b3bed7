// Package setup creates and locates the .phasegate/ directory.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/statefile"
	"github.com/msageha/phasegate/templates"
)

const DirName = ".phasegate"

// Subdirectories of the .phasegate root.
const (
	StateDir      = "state"
	LocksDir      = "locks"
	LogsDir       = "logs"
	QuarantineDir = "quarantine"
	AuditLogFile  = "logs/audit.jsonl"
)

// ErrNotFound is returned by FindRoot when no .phasegate directory exists
// in the start directory or any parent.
var ErrNotFound = errors.New(DirName + " directory not found (run `phasegate init`)")

type Options struct {
	// ProjectName defaults to the project directory basename.
	ProjectName string
	// InstanceID defaults to a generated wf_<uuid> id.
	InstanceID string
	// Phases replaces the template pipeline when non-empty.
	Phases []string
}

type Result struct {
	Root       string `json:"root"`
	InstanceID string `json:"instance_id"`
	ConfigPath string `json:"config_path"`
}

// Run initializes .phasegate/ in projectDir.
func Run(projectDir string, opts Options) (*Result, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return nil, fmt.Errorf("%s already exists", base)
	}

	cfg, err := generateConfig(absDir, opts)
	if err != nil {
		return nil, fmt.Errorf("generate config: %w", err)
	}

	for _, d := range []string{StateDir, LocksDir, LogsDir, QuarantineDir} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	if err := copyTemplateFile("phasegate.md", filepath.Join(base, "phasegate.md")); err != nil {
		return nil, err
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	configPath := filepath.Join(base, "config.yaml")
	if err := statefile.AtomicWriteRaw(configPath, data, validateYAML); err != nil {
		return nil, fmt.Errorf("write config.yaml: %w", err)
	}

	return &Result{Root: base, InstanceID: cfg.Workflow.InstanceID, ConfigPath: configPath}, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir string, opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.Project.Name = opts.ProjectName
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir
	cfg.Project.Created = time.Now().Format(time.RFC3339)

	cfg.Workflow.InstanceID = opts.InstanceID
	if cfg.Workflow.InstanceID == "" {
		id, err := model.GenerateID(model.IDTypeWorkflow)
		if err != nil {
			return nil, err
		}
		cfg.Workflow.InstanceID = id
	}
	if len(opts.Phases) > 0 {
		cfg.Pipeline.Phases = append([]string(nil), opts.Phases...)
		last := len(opts.Phases) - 1
		cfg.Pipeline.TestsDepth = min(cfg.Pipeline.TestsDepth, last)
		cfg.Pipeline.IntegrationDepth = min(cfg.Pipeline.IntegrationDepth, last)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateYAML(data []byte) error {
	var v any
	return yamlv3.Unmarshal(data, &v)
}

// FindRoot walks up from start to the nearest directory containing
// .phasegate/ and returns the .phasegate path.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}
