package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/statefile"
)

var phases = []string{"A", "B", "C"}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	files := statefile.New(filepath.Join(root, "quarantine"), nil)
	return NewStore(filepath.Join(root, "state"), files, nil), root
}

func key(unit, phase string) model.WorkUnitKey {
	return model.WorkUnitKey{InstanceID: "wf1", UnitID: unit, Phase: phase}
}

func TestStore_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	verdicts := []model.Verdict{model.VerdictPass, model.VerdictPending, model.VerdictBlocker}
	payloads := []json.RawMessage{
		json.RawMessage(`{"errors":["missing tag for foo"],"count":2}`),
		json.RawMessage(`[1, 2, 3]`),
		nil,
	}

	for i, v := range verdicts {
		k := model.WorkUnitKey{InstanceID: "wf1", UnitID: "item-1", Phase: "build", Step: string(rune('1' + i))}
		h, err := s.Write(k, v, payloads[i])
		require.NoError(t, err)
		assert.Equal(t, k, h.Key)
		assert.FileExists(t, h.Path)

		rec, err := s.Read(k)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, v, rec.Verdict)
		assert.Equal(t, k, rec.Key)
		assert.False(t, rec.CreatedAt.IsZero())
		if payloads[i] == nil {
			assert.Empty(t, rec.Payload)
		} else {
			assert.JSONEq(t, string(payloads[i]), string(rec.Payload))
		}
	}
}

func TestStore_LastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	k := key("u1", "A")

	_, err := s.Write(k, model.VerdictPending, json.RawMessage(`{"try":1}`))
	require.NoError(t, err)
	_, err = s.Write(k, model.VerdictPass, json.RawMessage(`{"try":2}`))
	require.NoError(t, err)

	rec, err := s.Read(k)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictPass, rec.Verdict)
	assert.JSONEq(t, `{"try":2}`, string(rec.Payload))

	records, err := s.List(k.Scope())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStore_WriteRejectsBadInput(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Write(model.WorkUnitKey{InstanceID: "wf1"}, model.VerdictPass, nil)
	assert.Error(t, err, "missing phase")

	_, err = s.Write(key("u1", "A"), "DONE", nil)
	assert.Error(t, err, "unknown verdict")

	_, err = s.Write(key("u1", "A"), model.VerdictPass, json.RawMessage(`{broken`))
	assert.Error(t, err, "payload must be JSON")
}

func TestStore_ReadAbsent(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.Read(key("u1", "A"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_CorruptRecordReadsAsAbsent(t *testing.T) {
	s, root := newTestStore(t)
	k := key("u1", "A")

	path := s.Path(k)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"verdict":"PA`), 0644))

	rec, err := s.Read(k)
	require.NoError(t, err)
	assert.Nil(t, rec)

	quarantined, err := os.ReadDir(filepath.Join(root, "quarantine"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)

	d, err := s.CanExecute(key("u1", "B"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "A", d.BlockedOn)
}

func TestStore_CorruptLatestRecordDoesNotServeOlderVerdict(t *testing.T) {
	s, _ := newTestStore(t)
	k := key("u1", "A")

	_, err := s.Write(k, model.VerdictPass, nil)
	require.NoError(t, err)
	_, err = s.Write(k, model.VerdictBlocker, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(k), []byte(`{"schema_version":1,"verdict":"BLO`), 0644))

	rec, err := s.Read(k)
	require.NoError(t, err)
	assert.Nil(t, rec)

	d, err := s.CanExecute(key("u1", "B"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "A", d.BlockedOn)
}

func TestStore_CanExecute_GateOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Write(key("u1", "A"), model.VerdictPass, nil)
	require.NoError(t, err)

	d, err := s.CanExecute(key("u1", "A"), phases)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "first phase is always allowed")

	d, err = s.CanExecute(key("u1", "B"), phases)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = s.CanExecute(key("u1", "C"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "B", d.BlockedOn)
	assert.Contains(t, d.Reason, "no checkpoint")
}

func TestStore_CanExecute_NonPassBlocks(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Write(key("u1", "A"), model.VerdictBlocker, nil)
	require.NoError(t, err)

	d, err := s.CanExecute(key("u1", "B"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "A", d.BlockedOn)
	assert.Contains(t, d.Reason, "BLOCKER")
}

func TestStore_CanExecute_StepRecordsDoNotSatisfyGate(t *testing.T) {
	s, _ := newTestStore(t)
	stepKey := key("u1", "A")
	stepKey.Step = "3"
	_, err := s.Write(stepKey, model.VerdictPass, nil)
	require.NoError(t, err)

	d, err := s.CanExecute(key("u1", "B"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestStore_CanExecute_UnknownPhase(t *testing.T) {
	s, _ := newTestStore(t)

	d, err := s.CanExecute(key("u1", "Z"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "unknown phase")
}

func TestStore_UnitsAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Write(key("u1", "A"), model.VerdictPass, nil)
	require.NoError(t, err)

	d, err := s.CanExecute(key("u2", "B"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = s.CanExecute(key("", "B"), phases)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "global scope is distinct from unit scopes")
}

func TestStore_LastCompletedPhaseIgnoresGaps(t *testing.T) {
	s, _ := newTestStore(t)
	scope := model.Scope{InstanceID: "wf1", UnitID: "u1"}

	_, found := s.LastCompletedPhase(scope, phases)
	assert.False(t, found)

	_, err := s.Write(key("u1", "C"), model.VerdictPass, nil)
	require.NoError(t, err)

	last, found := s.LastCompletedPhase(scope, phases)
	assert.True(t, found)
	assert.Equal(t, "C", last, "a later PASS masks the missing A and B")

	_, found = s.PassPrefix(scope, phases)
	assert.False(t, found, "prefix stops at the first gap")

	_, err = s.Write(key("u1", "A"), model.VerdictPass, nil)
	require.NoError(t, err)
	prefix, found := s.PassPrefix(scope, phases)
	assert.True(t, found)
	assert.Equal(t, "A", prefix)
}

func TestStore_Clear(t *testing.T) {
	s, _ := newTestStore(t)
	for _, p := range phases {
		_, err := s.Write(key("u1", p), model.VerdictPass, nil)
		require.NoError(t, err)
	}
	_, err := s.Write(key("u2", "A"), model.VerdictPass, nil)
	require.NoError(t, err)

	require.NoError(t, s.Clear(model.Scope{InstanceID: "wf1", UnitID: "u1"}))

	records, err := s.List(model.Scope{InstanceID: "wf1", UnitID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = s.List(model.Scope{InstanceID: "wf1", UnitID: "u2"})
	require.NoError(t, err)
	assert.Len(t, records, 1, "other units are untouched")
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	scope := model.Scope{InstanceID: "wf1", UnitID: "never-used"}

	require.NoError(t, s.Clear(scope))
	require.NoError(t, s.Clear(scope))

	records, err := s.List(scope)
	require.NoError(t, err)
	assert.Empty(t, records)
}
