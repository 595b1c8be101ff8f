package mongostore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// These tests exercise the BSON<->store.PatientBundle conversion directly
// rather than against a live MongoDB: the test harness has no Docker daemon
// to run a real mongod (see DESIGN.md's testcontainers-go gap), so the
// document-shape conversion is the part of this package a unit test can
// actually reach without one.

func TestFromBSONDefaultsResourceTypeToBundle(t *testing.T) {
	doc := bundleDoc{ID: "p1", Bundle: bundleBSON{}}
	bundle := fromBSON(doc)
	assert.Equal(t, "p1", bundle.ID)
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Empty(t, bundle.Entries)
}

func TestFromBSONPreservesResourceTypeAndEntries(t *testing.T) {
	doc := bundleDoc{
		ID: "p2",
		Bundle: bundleBSON{
			ResourceType: "Bundle",
			Entries: []entryBSON{
				{ResourceType: "Condition", Resource: map[string]any{"code": map[string]any{"text": "sepsis"}}},
				{ResourceType: "Observation", Resource: map[string]any{"valueQuantity": map[string]any{"value": 98.6}}},
			},
		},
	}
	bundle := fromBSON(doc)
	assert.Len(t, bundle.Entries, 2)
	assert.Len(t, bundle.Conditions(), 1)
	assert.Len(t, bundle.Observations(), 1)
}
