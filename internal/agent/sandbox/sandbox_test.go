package sandbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/agent/sandbox"
	"github.com/sbayer2/medster-agent/internal/store"
)

type fakeStore struct {
	bundles map[string]*store.PatientBundle
	ids     []string
}

func (f *fakeStore) LoadBundle(ctx context.Context, id string) (*store.PatientBundle, error) {
	return f.bundles[id], nil
}
func (f *fakeStore) ListIDs(ctx context.Context, limit int) ([]string, error) {
	ids := f.ids
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}
func (f *fakeStore) LoadECG(ctx context.Context, id string) ([]byte, error) { return nil, nil }
func (f *fakeStore) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) { return nil, nil }

func TestRunSimpleAnalyzeReturnsMapping(t *testing.T) {
	s := sandbox.New(&fakeStore{}, nil, nil)
	src := `
func analyze() {
	result := {"answer": 42}
	return result
}`
	res := s.Run(context.Background(), "trivial", src, 10)
	require.Equal(t, "ok", res.Status)
	m, ok := res.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.0, m["answer"])
}

func TestRunMissingAnalyzeIsStructuredError(t *testing.T) {
	s := sandbox.New(&fakeStore{}, nil, nil)
	res := s.Run(context.Background(), "no entrypoint", `func helper() { return 1 }`, 10)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Error, "analyze")
}

func TestRunSyntaxErrorIsStructuredError(t *testing.T) {
	s := sandbox.New(&fakeStore{}, nil, nil)
	res := s.Run(context.Background(), "broken", `func analyze() { return `, 10)
	assert.Equal(t, "error", res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestRunGetPatientsDefaultsToPatientLimit(t *testing.T) {
	s := sandbox.New(&fakeStore{ids: []string{"p1", "p2", "p3"}}, nil, nil)
	src := `
func analyze() {
	patients := get_patients()
	n := 0
	for p := range patients {
		n = n + 1
	}
	return {"count": n}
}`
	res := s.Run(context.Background(), "count patients", src, 2)
	require.Equal(t, "ok", res.Status)
	m := res.Result.(map[string]any)
	assert.Equal(t, 2.0, m["count"])
}

func TestRunForLoopAndConditional(t *testing.T) {
	s := sandbox.New(&fakeStore{}, nil, nil)
	src := `
func analyze() {
	total := 0
	for i := 0; i < 5; i = i + 1 {
		if i % 2 == 0 {
			total = total + i
		}
	}
	return {"total": total}
}`
	res := s.Run(context.Background(), "sum evens", src, 10)
	require.Equal(t, "ok", res.Status)
	m := res.Result.(map[string]any)
	assert.Equal(t, 6.0, m["total"]) // 0 + 2 + 4
}

func TestRunRuntimeErrorNeverPanicsCaller(t *testing.T) {
	s := sandbox.New(&fakeStore{}, nil, nil)
	src := `
func analyze() {
	x := 1 / 0
	return x
}`
	assert.NotPanics(t, func() {
		res := s.Run(context.Background(), "div by zero", src, 10)
		assert.Equal(t, "error", res.Status)
	})
}

func TestRunAggregationHelpers(t *testing.T) {
	s := sandbox.New(&fakeStore{}, nil, nil)
	src := `
func analyze() {
	items := [{"code": "flu"}, {"code": "flu"}, {"code": "cold"}]
	counts := count_by_field(items, "code")
	return counts
}`
	res := s.Run(context.Background(), "counts", src, 10)
	require.Equal(t, "ok", res.Status)
	m := res.Result.(map[string]any)
	assert.Equal(t, 2.0, m["flu"])
	assert.Equal(t, 1.0, m["cold"])
}
