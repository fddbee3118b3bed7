package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// Validator is implemented by state documents that can reject decoded
// content (wrong schema version, unknown enum values).
type Validator interface {
	Validate() error
}

// Files reads and writes JSON state documents. Reads never fail on damaged
// content: a corrupt or unreadable file is quarantined and reported as
// absent. The .bak kept by each write holds the previous version, so it is
// only restored when WithBackupRestore was requested.
type Files struct {
	quarantineDir string
	restoreBackup bool
	logger        *zap.Logger
}

func New(quarantineDir string, logger *zap.Logger) *Files {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Files{quarantineDir: quarantineDir, logger: logger}
}

// WithBackupRestore returns a copy of f whose reads fall back to the .bak of
// a corrupt file. Use it only for documents where the previous version is an
// acceptable answer; gate state must read a corrupt file as absent.
func (f *Files) WithBackupRestore() *Files {
	c := *f
	c.restoreBackup = true
	return &c
}

func (f *Files) Write(path string, v any) error {
	return AtomicWriteJSON(path, v)
}

// Read decodes path into v and reports whether a usable document was found.
func (f *Files) Read(path string, v any) bool {
	ok, corrupt := f.decode(path, v)
	if ok || !corrupt {
		return ok
	}
	resetValue(v)

	quarantined, err := Quarantine(f.quarantineDir, path)
	if err != nil {
		f.logger.Warn("quarantine failed, treating state as absent",
			zap.String("path", path), zap.Error(err))
		return false
	}
	f.logger.Warn("quarantined corrupted state file",
		zap.String("path", path), zap.String("quarantine", quarantined))
	if !f.restoreBackup {
		return false
	}

	if err := RestoreFromBackup(path); err != nil {
		f.logger.Info("no usable backup, treating state as absent",
			zap.String("path", path), zap.Error(err))
		return false
	}

	ok, corrupt = f.decode(path, v)
	if !ok && corrupt {
		// The backup parsed as JSON but failed document validation.
		_, _ = Quarantine(f.quarantineDir, path)
		return false
	}
	if ok {
		f.logger.Info("restored state file from backup", zap.String("path", path))
	}
	return ok
}

// decode reports (found, corrupt).
func (f *Files) decode(path string, v any) (bool, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("unreadable state file, treating as absent",
				zap.String("path", path), zap.Error(err))
		}
		return false, false
	}
	resetValue(v)
	if err := json.Unmarshal(data, v); err != nil {
		f.logger.Warn("corrupt state file", zap.String("path", path), zap.Error(err))
		return false, true
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			f.logger.Warn("invalid state document", zap.String("path", path), zap.Error(err))
			return false, true
		}
	}
	return true, false
}

// resetValue zeroes the value behind a pointer so a second decode does not
// inherit fields from a partially decoded corrupt document.
func resetValue(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	}
}

// Remove deletes path and its backup. Missing files are not an error.
func (f *Files) Remove(path string) error {
	for _, p := range []string{path, path + ".bak"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// RemoveDir deletes a whole state directory. Missing directories are not an error.
func (f *Files) RemoveDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// ListJSON returns the state documents (not backups or temp files) directly
// inside dir, sorted by name. A missing directory yields an empty list.
func ListJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}
