package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type doc struct {
	SchemaVersion int    `json:"schema_version"`
	Name          string `json:"name"`
	Extra         string `json:"extra,omitempty"`
}

func (d *doc) Validate() error {
	if d.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", d.SchemaVersion)
	}
	return nil
}

func newTestFiles(t *testing.T) (*Files, string, *observer.ObservedLogs) {
	t.Helper()
	root := t.TempDir()
	core, logs := observer.New(zapcore.InfoLevel)
	return New(filepath.Join(root, "quarantine"), zap.New(core)), root, logs
}

func TestFiles_ReadMissing(t *testing.T) {
	f, root, logs := newTestFiles(t)

	var d doc
	assert.False(t, f.Read(filepath.Join(root, "absent.json"), &d))
	assert.Equal(t, 0, logs.Len(), "absent file is a normal outcome and must not log")
}

func TestFiles_WriteRead(t *testing.T) {
	f, root, _ := newTestFiles(t)
	path := filepath.Join(root, "a", "b.json")

	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1, Name: "x"}))

	var d doc
	require.True(t, f.Read(path, &d))
	assert.Equal(t, "x", d.Name)
}

func TestFiles_CorruptReadsAsAbsentDespiteBackup(t *testing.T) {
	f, root, logs := newTestFiles(t)
	path := filepath.Join(root, "s.json")

	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1, Name: "first"}))
	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1, Name: "second"}))
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"name":"trunc`), 0644))

	var d doc
	assert.False(t, f.Read(path, &d), "the backup holds an older version and must not be served")
	assert.Empty(t, d.Name)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NotZero(t, logs.FilterMessage("quarantined corrupted state file").Len())
	assert.Zero(t, logs.FilterMessage("restored state file from backup").Len())
}

func TestFiles_CorruptQuarantinedAndRestored(t *testing.T) {
	base, root, logs := newTestFiles(t)
	f := base.WithBackupRestore()
	path := filepath.Join(root, "s.json")

	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1, Name: "first", Extra: "kept"}))
	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1, Name: "second"}))
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"name":"trunc`), 0644))

	var d doc
	require.True(t, f.Read(path, &d))
	assert.Equal(t, "first", d.Name, "backup holds the previous version")
	assert.Equal(t, "kept", d.Extra)

	quarantined, err := os.ReadDir(filepath.Join(root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
	assert.NotZero(t, logs.FilterMessage("quarantined corrupted state file").Len())
}

func TestFiles_CorruptWithoutBackupIsAbsent(t *testing.T) {
	f, root, _ := newTestFiles(t)
	path := filepath.Join(root, "s.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	var d doc
	assert.False(t, f.Read(path, &d))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file is moved out of the state tree")
}

func TestFiles_ValidatorRejectionIsCorrupt(t *testing.T) {
	f, root, _ := newTestFiles(t)
	path := filepath.Join(root, "s.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":99,"name":"future"}`), 0644))

	var d doc
	assert.False(t, f.Read(path, &d))
}

func TestFiles_RemoveIsIdempotent(t *testing.T) {
	f, root, _ := newTestFiles(t)
	path := filepath.Join(root, "s.json")
	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1}))
	require.NoError(t, f.Write(path, &doc{SchemaVersion: 1}))

	require.NoError(t, f.Remove(path))
	require.NoError(t, f.Remove(path))
	_, err := os.Stat(path + ".bak")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.RemoveDir(filepath.Join(root, "never-created")))
}

func TestListJSON(t *testing.T) {
	f, root, _ := newTestFiles(t)
	dir := filepath.Join(root, "list")
	require.NoError(t, f.Write(filepath.Join(dir, "b.json"), &doc{SchemaVersion: 1}))
	require.NoError(t, f.Write(filepath.Join(dir, "b.json"), &doc{SchemaVersion: 1}))
	require.NoError(t, f.Write(filepath.Join(dir, "a.json"), &doc{SchemaVersion: 1}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	paths, err := ListJSON(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")}, paths)

	paths, err = ListJSON(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}
