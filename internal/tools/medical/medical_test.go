package medical_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/agent/tools"
	"github.com/sbayer2/medster-agent/internal/store"
	"github.com/sbayer2/medster-agent/internal/tools/medical"
)

type fakeStore struct {
	bundles map[string]*store.PatientBundle
}

func (f *fakeStore) LoadBundle(ctx context.Context, id string) (*store.PatientBundle, error) {
	return f.bundles[id], nil
}
func (f *fakeStore) ListIDs(ctx context.Context, limit int) ([]string, error) {
	ids := make([]string, 0, len(f.bundles))
	for id := range f.bundles {
		ids = append(ids, id)
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}
func (f *fakeStore) LoadECG(ctx context.Context, id string) ([]byte, error) { return nil, nil }
func (f *fakeStore) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) {
	return nil, nil
}

func bundleWith(id string, conditions ...string) *store.PatientBundle {
	var entries []store.BundleEntry
	for _, c := range conditions {
		entries = append(entries, store.BundleEntry{
			ResourceType: "Condition",
			Resource:     map[string]any{"resourceType": "Condition", "code": map[string]any{"text": c}},
		})
	}
	return &store.PatientBundle{ID: id, ResourceType: "Bundle", Entries: entries}
}

func mustFind(t *testing.T, list []tools.Tool, name string) tools.Tool {
	t.Helper()
	for _, tl := range list {
		if string(tl.Name) == name {
			return tl
		}
	}
	t.Fatalf("tool %q not registered", name)
	return tools.Tool{}
}

func TestListPatientsRespectsLimit(t *testing.T) {
	s := &fakeStore{bundles: map[string]*store.PatientBundle{
		"p1": bundleWith("p1"), "p2": bundleWith("p2"), "p3": bundleWith("p3"),
	}}
	tool := mustFind(t, medical.Tools(s), "list_patients")
	out, err := tool.Invoke(context.Background(), map[string]any{"limit": float64(2)})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, 2, m["count"])
}

func TestGetPatientConditionsFiltersByText(t *testing.T) {
	s := &fakeStore{bundles: map[string]*store.PatientBundle{
		"p1": bundleWith("p1", "sepsis", "hypertension"),
	}}
	tool := mustFind(t, medical.Tools(s), "get_patient_conditions")
	out, err := tool.Invoke(context.Background(), map[string]any{"patient_id": "p1", "filter_text": "sepsis"})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, true, m["found"])
	assert.Equal(t, 1, m["count"])
}

func TestGetPatientConditionsUnknownPatientReturnsNotFound(t *testing.T) {
	s := &fakeStore{bundles: map[string]*store.PatientBundle{}}
	tool := mustFind(t, medical.Tools(s), "get_patient_conditions")
	out, err := tool.Invoke(context.Background(), map[string]any{"patient_id": "ghost"})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, false, m["found"])
}

func TestGetPatientResourcesRequiresResourceType(t *testing.T) {
	s := &fakeStore{bundles: map[string]*store.PatientBundle{"p1": bundleWith("p1")}}
	tool := mustFind(t, medical.Tools(s), "get_patient_resources")
	_, err := tool.Invoke(context.Background(), map[string]any{"patient_id": "p1"})
	assert.Error(t, err)
}

func TestGetPatientResourcesByArbitraryType(t *testing.T) {
	bundle := &store.PatientBundle{ID: "p1", ResourceType: "Bundle", Entries: []store.BundleEntry{
		{ResourceType: "Encounter", Resource: map[string]any{"resourceType": "Encounter", "status": "finished"}},
	}}
	s := &fakeStore{bundles: map[string]*store.PatientBundle{"p1": bundle}}
	tool := mustFind(t, medical.Tools(s), "get_patient_resources")
	out, err := tool.Invoke(context.Background(), map[string]any{"patient_id": "p1", "resource_type": "Encounter"})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, 1, m["count"])
}
