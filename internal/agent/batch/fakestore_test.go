package batch_test

import (
	"context"

	"github.com/sbayer2/medster-agent/internal/store"
)

// fakeStore is an in-memory store.Store for batch primitive tests; no
// filesystem or network I/O is exercised here, only the aggregation logic.
type fakeStore struct {
	bundles map[string]*store.PatientBundle
}

func newFakeStore() *fakeStore {
	return &fakeStore{bundles: map[string]*store.PatientBundle{}}
}

func (f *fakeStore) put(b *store.PatientBundle) { f.bundles[b.ID] = b }

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

func (f *fakeStore) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) { return nil, nil }

func conditionBundle(id string, conditionTexts ...string) *store.PatientBundle {
	var entries []store.BundleEntry
	for _, t := range conditionTexts {
		entries = append(entries, store.BundleEntry{
			ResourceType: "Condition",
			Resource: map[string]any{
				"resourceType": "Condition",
				"code":         map[string]any{"text": t},
			},
		})
	}
	return &store.PatientBundle{ID: id, ResourceType: "Bundle", Entries: entries}
}
