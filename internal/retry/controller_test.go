package retry

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/statefile"
)

func newTestController(t *testing.T, maxAttempts int) *Controller {
	t.Helper()
	root := t.TempDir()
	files := statefile.New(filepath.Join(root, "quarantine"), nil)
	return NewController(filepath.Join(root, "state"), files, maxAttempts, nil)
}

var buildKey = model.WorkUnitKey{InstanceID: "wf1", UnitID: "item-1", Phase: "build", Step: "2"}

func TestController_FreshKey(t *testing.T) {
	c := newTestController(t, 0)
	assert.Equal(t, model.DefaultMaxAttempts, c.MaxAttempts())

	n, err := c.AttemptCount(buildKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	level, err := c.RecoveryLevel(buildKey)
	require.NoError(t, err)
	assert.Equal(t, 0, level)

	blocked, err := c.ShouldBlock(buildKey)
	require.NoError(t, err)
	assert.False(t, blocked)

	tier, err := c.Tier(buildKey)
	require.NoError(t, err)
	assert.Equal(t, model.TierInstruction, tier)
}

func TestController_EscalationLadder(t *testing.T) {
	c := newTestController(t, 3)

	wantTiers := []model.EscalationTier{model.TierTactical, model.TierStrategyShift, model.TierRollback}
	for i := 1; i <= 3; i++ {
		blocked, err := c.ShouldBlock(buildKey)
		require.NoError(t, err)
		assert.False(t, blocked, "not blocked before failure %d", i)

		n, err := c.RecordFailure(buildKey, "validation", "attempt "+strconv.Itoa(i))
		require.NoError(t, err)
		assert.Equal(t, i, n)

		level, err := c.RecoveryLevel(buildKey)
		require.NoError(t, err)
		assert.Equal(t, i, level)

		tier, err := c.Tier(buildKey)
		require.NoError(t, err)
		assert.Equal(t, wantTiers[i-1], tier)
	}

	blocked, err := c.ShouldBlock(buildKey)
	require.NoError(t, err)
	assert.True(t, blocked)

	// Further failures stay capped at level 3.
	_, err = c.RecordFailure(buildKey, "validation", "")
	require.NoError(t, err)
	level, err := c.RecoveryLevel(buildKey)
	require.NoError(t, err)
	assert.Equal(t, MaxLevel, level)

	require.NoError(t, c.Reset(buildKey))
	n, err := c.AttemptCount(buildKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	blocked, err = c.ShouldBlock(buildKey)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestController_HistoryPersisted(t *testing.T) {
	c := newTestController(t, 3)

	_, err := c.RecordFailure(buildKey, "", "missing tag for foo")
	require.NoError(t, err)
	_, err = c.RecordFailure(buildKey, "test", "2 tests failed")
	require.NoError(t, err)

	st, err := c.State(buildKey)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
	require.Len(t, st.History, 2)
	assert.Equal(t, "failure", st.History[0].Kind)
	assert.Equal(t, "missing tag for foo", st.History[0].Detail)
	assert.Equal(t, "test", st.History[1].Kind)
	assert.FileExists(t, c.Path(buildKey))
}

func TestController_HistoryCapped(t *testing.T) {
	c := newTestController(t, 1000)
	for i := 0; i < maxHistory+5; i++ {
		_, err := c.RecordFailure(buildKey, "validation", strconv.Itoa(i))
		require.NoError(t, err)
	}

	st, err := c.State(buildKey)
	require.NoError(t, err)
	assert.Equal(t, maxHistory+5, st.Count)
	assert.Len(t, st.History, maxHistory)
	assert.Equal(t, "5", st.History[0].Detail)
}

func TestController_KeysAreIndependent(t *testing.T) {
	c := newTestController(t, 3)
	other := buildKey
	other.Step = "3"

	_, err := c.RecordFailure(buildKey, "validation", "")
	require.NoError(t, err)

	n, err := c.AttemptCount(other)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	global := buildKey
	global.UnitID = ""
	n, err = c.AttemptCount(global)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestController_CorruptStateReadsAsZero(t *testing.T) {
	c := newTestController(t, 3)
	path := c.Path(buildKey)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	n, err := c.AttemptCount(buildKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.RecordFailure(buildKey, "validation", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestController_CorruptStateIgnoresBackup(t *testing.T) {
	c := newTestController(t, 3)
	for i := 0; i < 2; i++ {
		_, err := c.RecordFailure(buildKey, "validation", "")
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(c.Path(buildKey), []byte(`{"count":`), 0644))

	n, err := c.AttemptCount(buildKey)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a corrupt counter restarts at zero, not at the previous count")
}

func TestController_ResetUnknownKey(t *testing.T) {
	c := newTestController(t, 3)
	require.NoError(t, c.Reset(buildKey))
}

func TestController_ListAndResetScope(t *testing.T) {
	c := newTestController(t, 3)
	other := buildKey
	other.Phase = "scan"
	other.Step = ""

	_, err := c.RecordFailure(buildKey, "validation", "")
	require.NoError(t, err)
	_, err = c.RecordFailure(other, "validation", "")
	require.NoError(t, err)

	states, err := c.List(buildKey.Scope())
	require.NoError(t, err)
	assert.Len(t, states, 2)

	require.NoError(t, c.ResetScope(buildKey.Scope()))
	states, err = c.List(buildKey.Scope())
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestLevelForAndGuidance(t *testing.T) {
	tests := []struct {
		count int
		want  int
	}{
		{-1, 0}, {0, 0}, {1, 1}, {2, 2}, {3, 3}, {10, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.count), "count=%d", tt.count)
	}
	assert.Contains(t, Guidance(3), "external intervention")
	assert.Contains(t, Guidance(7), "external intervention")
	assert.NotEqual(t, Guidance(0), Guidance(1))
}
