// Package config loads the phasegate configuration.
//
// Precedence, lowest to highest:
//  1. the embedded default template
//  2. <root>/config.yaml
//  3. PHASEGATE_* environment variables (PHASEGATE_RETRY_MAX_ATTEMPTS -> retry.max_attempts)
//  4. explicit overrides (command line flags)
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/templates"
)

const (
	EnvPrefix         = "PHASEGATE_"
	FileName          = "config.yaml"
	maxConfigFileSize = 1024 * 1024
)

type Options struct {
	// Root is the .phasegate directory. Empty skips the config file.
	Root string
	// Overrides are koanf keys (e.g. "retry.max_attempts") set last.
	Overrides map[string]any
	// Environ replaces os.Environ for the env layer; nil uses the process env.
	Environ []string
}

// EnvKey maps PHASEGATE_SECTION_FIELD_NAME to section.field_name.
func EnvKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// Load builds the configuration, applies defaults and validates it.
func Load(opts Options) (*model.Config, error) {
	k := koanf.New(".")

	tmpl, err := fs.ReadFile(templates.FS, FileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if err := k.Load(rawbytes.Provider(tmpl), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config template: %w", err)
	}

	if opts.Root != "" {
		path := filepath.Join(opts.Root, FileName)
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if opts.Environ == nil {
		if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
			return nil, fmt.Errorf("load environment variables: %w", err)
		}
	} else {
		for _, kv := range opts.Environ {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(name, EnvPrefix) {
				continue
			}
			if err := k.Set(EnvKey(name), value); err != nil {
				return nil, fmt.Errorf("set %s: %w", name, err)
			}
		}
	}

	for key, v := range opts.Overrides {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}

	var cfg model.Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
	}
	return content, nil
}

// Resolve returns p unchanged when absolute, else joined onto root.
func Resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
