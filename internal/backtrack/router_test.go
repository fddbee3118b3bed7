package backtrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		signals []string
		want    model.FailureCategory
	}{
		{"missing tag", []string{"missing tag for foo"}, model.CategoryTagIssue},
		{"invalid tag case-insensitive", []string{"Tag INVALID on bar()"}, model.CategoryTagIssue},
		{"test failure", []string{"3 tests", "FAILED: TestFoo"}, model.CategoryTestFailure},
		{"import", []string{"cannot import pkg/x"}, model.CategoryIntegrationFailure},
		{"route", []string{"route /api/users not registered"}, model.CategoryIntegrationFailure},
		{"export", []string{"symbol not exported"}, model.CategoryIntegrationFailure},
		{"tag beats test", []string{"missing tag", "test failed"}, model.CategoryTagIssue},
		{"tag inside stage", []string{"test failed: missing fixture for stage 2"}, model.CategoryTestFailure},
		{"tag inside staging", []string{"unit test fail: invalid staging config"}, model.CategoryTestFailure},
		{"test inside latest", []string{"latest build failed"}, model.CategoryArchitectureIssue},
		{"import inside important", []string{"important: design does not scale"}, model.CategoryArchitectureIssue},
		{"tag with punctuation", []string{"missing @tag on handler"}, model.CategoryTagIssue},
		{"unknown", []string{"design does not scale"}, model.CategoryArchitectureIssue},
		{"empty", nil, model.CategoryArchitectureIssue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.signals))
		})
	}
}

func TestRoute_Deterministic(t *testing.T) {
	r := NewRouter(nil, 0)

	first, err := r.Route(Classify([]string{"missing tag for foo"}))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := NewRouter(nil, 0).Route(Classify([]string{"missing tag for foo"}))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "build", first.Phase)
	assert.Equal(t, "1", first.FromStep)
}

func TestRoute_DefaultsCoverAllCategories(t *testing.T) {
	r := NewRouter(nil, 0)
	for _, c := range []model.FailureCategory{
		model.CategoryTagIssue, model.CategoryTestFailure,
		model.CategoryIntegrationFailure, model.CategoryArchitectureIssue,
	} {
		target, err := r.Route(c)
		require.NoError(t, err, c)
		assert.NotEmpty(t, target.Phase, c)
	}
	assert.Len(t, r.Routes(), 4)
	assert.Equal(t, model.CategoryArchitectureIssue, r.Routes()[0].Category)

	_, err := r.Route("NOPE")
	assert.Error(t, err)
}

func TestNewRouter_OverlaysConfiguredRoutes(t *testing.T) {
	custom := model.BacktrackTarget{Phase: "discovery", FromStep: "2"}
	r := NewRouter(map[model.FailureCategory]model.BacktrackTarget{
		model.CategoryArchitectureIssue: custom,
	}, 3)

	got, err := r.Route(model.CategoryArchitectureIssue)
	require.NoError(t, err)
	assert.Equal(t, custom, got)

	got, err = r.Route(model.CategoryTagIssue)
	require.NoError(t, err)
	assert.Equal(t, DefaultRoutes()[model.CategoryTagIssue], got)
}

func TestRecommend(t *testing.T) {
	r := NewRouter(nil, 2)

	rec := r.Recommend([]string{"test failed"}, 0)
	assert.True(t, rec.Matched)
	assert.True(t, rec.Actionable)
	assert.Equal(t, model.CategoryTestFailure, rec.Category)
	assert.Equal(t, "build", rec.Target.Phase)

	rec = r.Recommend([]string{"something odd"}, 1)
	assert.False(t, rec.Matched)
	assert.False(t, rec.Actionable, "unmatched below threshold")
	assert.Equal(t, model.CategoryArchitectureIssue, rec.Category)

	rec = r.Recommend([]string{"something odd"}, 2)
	assert.True(t, rec.Actionable)
	assert.Equal(t, "planning", rec.Target.Phase)
	assert.Equal(t, "ARCHITECTURE_ISSUE -> planning steps 1-2", rec.String())
}
