package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/gate"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) result {
	t.Helper()
	var out, errb bytes.Buffer
	code := run(context.Background(), args, &out, &errb)
	return result{code: code, stdout: out.String(), stderr: errb.String()}
}

// initProject creates a project with instance wf1 and returns its
// .phasegate path.
func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	r := runCLI(t, "init", dir, "--instance", "wf1")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	return filepath.Join(dir, ".phasegate")
}

func TestVersion(t *testing.T) {
	r := runCLI(t, "version")
	assert.Equal(t, gate.ExitOK, r.code)
	assert.Equal(t, "phasegate "+version+"\n", r.stdout)
}

func TestInit_RejectsExisting(t *testing.T) {
	root := initProject(t)
	r := runCLI(t, "init", filepath.Dir(root))
	assert.Equal(t, gate.ExitUnexpected, r.code)
	assert.Contains(t, r.stderr, "already exists")
}

func TestMissingRoot(t *testing.T) {
	r := runCLI(t, "--root", filepath.Join(t.TempDir(), "nope"), "status")
	assert.Equal(t, gate.ExitUnexpected, r.code)
	assert.Contains(t, r.stderr, "not a phasegate directory")
}

func TestCheckAndReport_GateFlow(t *testing.T) {
	root := initProject(t)
	g := []string{"--root", root, "--unit", "item-1"}

	r := runCLI(t, append(g, "check", "planning")...)
	assert.Equal(t, gate.ExitPrecondition, r.code)
	assert.Contains(t, r.stderr, "PRECONDITION_NOT_MET")
	assert.Contains(t, r.stdout, "blocked")

	r = runCLI(t, append(g, "check", "discovery")...)
	assert.Equal(t, gate.ExitOK, r.code, r.stderr)

	r = runCLI(t, append(g, "report", "discovery", "--verdict", "PASS", "--payload", `{"notes":"ok"}`)...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)

	r = runCLI(t, append(g, "--json", "check", "planning")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	var check gate.CheckResult
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &check))
	assert.True(t, check.Allowed)

	r = runCLI(t, append(g, "--json", "checkpoint", "read", "discovery")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, `"PASS"`)
	assert.Contains(t, r.stdout, `"notes"`)

	r = runCLI(t, append(g, "checkpoint", "last")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "last completed phase: discovery")
}

func TestReport_EscalationExhausted(t *testing.T) {
	root := initProject(t)
	g := []string{"--root", root}
	r := runCLI(t, append(g, "report", "discovery", "--verdict", "PASS")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)

	for i := 1; i <= 2; i++ {
		r := runCLI(t, append(g, "report", "planning", "--verdict", "PENDING", "--signal", "unit tests failed")...)
		require.Equal(t, gate.ExitOK, r.code, r.stderr)
	}
	r = runCLI(t, append(g, "--json", "report", "planning", "--verdict", "PENDING", "--signal", "unit tests failed")...)
	assert.Equal(t, gate.ExitEscalationExhausted, r.code)
	assert.Contains(t, r.stderr, "ESCALATION_EXHAUSTED")

	var res gate.ReportResult
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &res))
	assert.True(t, res.Blocked)
	assert.Equal(t, "BLOCKER", string(res.Verdict))
	require.NotNil(t, res.Backtrack)

	r = runCLI(t, append(g, "check", "planning")...)
	assert.Equal(t, gate.ExitEscalationExhausted, r.code)

	r = runCLI(t, append(g, "retry", "reset", "planning")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	r = runCLI(t, append(g, "retry", "status", "planning")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "0/3 attempts")

	r = runCLI(t, append(g, "drift", "status", "planning")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "tactical (3")

	r = runCLI(t, append(g, "audit", "verify")...)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.NotContains(t, r.stdout, " 0/0 ")
}

func TestRetryReset_RequiresPhaseOrAll(t *testing.T) {
	root := initProject(t)
	r := runCLI(t, "--root", root, "retry", "reset")
	assert.Equal(t, gate.ExitUnexpected, r.code)
	assert.Contains(t, r.stderr, "either a phase or --all")
}

func TestStatus_JSON(t *testing.T) {
	root := initProject(t)
	r := runCLI(t, "--root", root, "--unit", "item-1", "report", "discovery", "--verdict", "PASS")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)

	r = runCLI(t, "--root", root, "--json", "status")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	var st struct {
		InstanceID string `json:"instance_id"`
		Units      []struct {
			UnitID string `json:"unit_id"`
		} `json:"units"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &st))
	assert.Equal(t, "wf1", st.InstanceID)
	require.Len(t, st.Units, 1)
	assert.Equal(t, "item-1", st.Units[0].UnitID)
}

func writeIndex(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestImpactAndScope(t *testing.T) {
	root := initProject(t)
	index := writeIndex(t, t.TempDir(), `[
		{"id": "A", "file": "a.go"},
		{"id": "B", "file": "b.go", "declared_dependencies": ["A"]},
		{"id": "C", "file": "c.go", "declared_dependencies": ["B"]}
	]`)

	r := runCLI(t, "--root", root, "--json", "impact", "analyze", "--index", index, "A")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	var impact struct {
		Affected     []string `json:"affected"`
		DepthReached int      `json:"depth_reached"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &impact))
	assert.Equal(t, []string{"B", "C"}, impact.Affected)
	assert.Equal(t, 2, impact.DepthReached)

	r = runCLI(t, "--root", root, "--json", "scope", "--index", index, "--phase", "planning", "a.go")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	var sc struct {
		Tags  []string `json:"check_tag_completeness"`
		Tests []string `json:"check_tests"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &sc))
	assert.Equal(t, []string{"A", "B", "C"}, sc.Tags)
	assert.Empty(t, sc.Tests)

	r = runCLI(t, "--root", root, "deps", "check", "--index", index)
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "3 nodes, 2 edges")
}

func TestDepsCheck_Cycle(t *testing.T) {
	root := initProject(t)
	index := writeIndex(t, t.TempDir(), `[
		{"id": "A", "declared_dependencies": ["B"]},
		{"id": "B", "declared_dependencies": ["A"]}
	]`)
	r := runCLI(t, "--root", root, "deps", "check", "--index", index)
	assert.Equal(t, gate.ExitUnexpected, r.code)
	assert.Contains(t, r.stderr, "circular dependency detected")
}

func TestBacktrack(t *testing.T) {
	root := initProject(t)

	r := runCLI(t, "--root", root, "--json", "backtrack", "classify", "missing @tag annotation")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "TAG_ISSUE")

	r = runCLI(t, "--root", root, "backtrack", "route", "architecture_issue")
	require.Equal(t, gate.ExitOK, r.code, r.stderr)
	assert.Contains(t, r.stdout, "planning steps 1-2")

	r = runCLI(t, "--root", root, "backtrack", "route", "NOPE")
	assert.Equal(t, gate.ExitUnexpected, r.code)
}

// failingWriter rejects every write and stops the command on the first one.
type failingWriter struct {
	cancel context.CancelFunc
}

func (w failingWriter) Write([]byte) (int, error) {
	w.cancel()
	return 0, errors.New("stdout closed")
}

func TestImpactWatch_LogsWriteFailure(t *testing.T) {
	root := initProject(t)
	index := writeIndex(t, t.TempDir(), `[{"id": "A", "file": "a.go"}]`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errb bytes.Buffer
	code := run(ctx, []string{"--root", root, "--json", "impact", "watch", "--index", index, "A"}, failingWriter{cancel: cancel}, &errb)

	assert.Equal(t, gate.ExitOK, code, errb.String())
	assert.Contains(t, errb.String(), "write impact result failed")
	assert.Contains(t, errb.String(), "stdout closed")
}
