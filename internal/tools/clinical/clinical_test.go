package clinical_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/tools/clinical"
)

func scoreTool(t *testing.T) func(ctx context.Context, args map[string]any) (any, error) {
	t.Helper()
	all := clinical.Tools()
	require.Len(t, all, 1)
	require.Equal(t, "clinical_score", string(all[0].Name))
	return all[0].Invoke
}

func TestQSOFALowRisk(t *testing.T) {
	invoke := scoreTool(t)
	out, err := invoke(context.Background(), map[string]any{
		"score_name": "qsofa",
		"features": map[string]any{
			"respiratory_rate":  16.0,
			"altered_mentation": false,
			"systolic_bp":       120.0,
		},
	})
	require.NoError(t, err)
	result := out.(clinical.Result)
	assert.Equal(t, 0.0, result.Score)
	assert.Contains(t, result.Interpretation, "low risk")
}

func TestQSOFAHighRisk(t *testing.T) {
	invoke := scoreTool(t)
	out, err := invoke(context.Background(), map[string]any{
		"score_name": "qsofa",
		"features": map[string]any{
			"respiratory_rate":  24.0,
			"altered_mentation": true,
			"systolic_bp":       90.0,
		},
	})
	require.NoError(t, err)
	result := out.(clinical.Result)
	assert.Equal(t, 3.0, result.Score)
	assert.Contains(t, result.Interpretation, "high risk")
}

func TestQSOFAMissingFeatureErrors(t *testing.T) {
	invoke := scoreTool(t)
	_, err := invoke(context.Background(), map[string]any{
		"score_name": "qsofa",
		"features":   map[string]any{"respiratory_rate": 24.0},
	})
	assert.Error(t, err)
}

func TestUnknownScoreNameErrors(t *testing.T) {
	invoke := scoreTool(t)
	_, err := invoke(context.Background(), map[string]any{
		"score_name": "cha2ds2_vasc",
		"features":   map[string]any{},
	})
	assert.Error(t, err)
}

func TestRegisterAddsNewFormula(t *testing.T) {
	clinical.Register("always_zero", func(features map[string]any) (clinical.Result, error) {
		return clinical.Result{Score: 0, Interpretation: "n/a", InputsUsed: features}, nil
	})
	invoke := scoreTool(t)
	out, err := invoke(context.Background(), map[string]any{
		"score_name": "always_zero",
		"features":   map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.(clinical.Result).Score)
}
