// Package mongostore implements store.Store over a MongoDB collection of
// patient bundles (SPEC_FULL.md §3's domain-stack entry for
// go.mongodb.org/mongo-driver/v2): an indexed, queryable alternative to the
// flat-file directory fsstore serves, for corpora too large to keep cached
// in process memory. Grounded in fsstore's Store for the shape of the read
// contract; the storage medium differs, the contract does not.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sbayer2/medster-agent/internal/store"
)

// bundleDoc is the on-disk document shape: a patient bundle plus its
// derived ECG waveform (stored alongside, not in a separate collection,
// since it is always looked up by the same id).
type bundleDoc struct {
	ID        string              `bson:"_id"`
	Bundle    bundleBSON          `bson:"bundle"`
	ECGBase64 string              `bson:"ecg_base64,omitempty"`
}

type bundleBSON struct {
	ResourceType string          `bson:"resourceType"`
	Entries      []entryBSON     `bson:"entries"`
}

type entryBSON struct {
	ResourceType string         `bson:"resourceType"`
	Resource     map[string]any `bson:"resource"`
}

// dicomDoc is a DICOM file reference document, kept in its own collection
// since it has no natural per-patient key (spec.md §6 contract (d)).
type dicomDoc struct {
	Path          string `bson:"path"`
	PatientIDHint string `bson:"patient_id_hint,omitempty"`
}

// Store reads bundles and DICOM references from MongoDB collections
// "bundles" and "dicom_files" in the configured database.
type Store struct {
	bundles *mongo.Collection
	dicom   *mongo.Collection
}

// New wraps the given database's "bundles" and "dicom_files" collections as
// a store.Store. Callers own the *mongo.Client's lifetime (connect and
// disconnect); Store never dials or closes a connection itself.
func New(db *mongo.Database) *Store {
	return &Store{
		bundles: db.Collection("bundles"),
		dicom:   db.Collection("dicom_files"),
	}
}

var _ store.Store = (*Store)(nil)

// LoadBundle fetches the bundle document keyed by id. A missing document
// maps to (nil, nil) per the Store contract's "unknown id is an ordinary
// outcome" rule (spec.md §4.8).
func (s *Store) LoadBundle(ctx context.Context, id string) (*store.PatientBundle, error) {
	var doc bundleDoc
	err := s.bundles.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: load bundle %s: %w", id, err)
	}
	return fromBSON(doc), nil
}

// ListIDs returns every bundle's _id, sorted ascending by Mongo, capped at
// limit when limit > 0.
func (s *Store) ListIDs(ctx context.Context, limit int) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.bundles.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list ids: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("mongostore: decode id row: %w", err)
		}
		ids = append(ids, row.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: cursor: %w", err)
	}
	return ids, nil
}

// LoadECG returns the bundle document's stored waveform bytes, or (nil,
// nil) when the patient has no bundle or no waveform on file.
func (s *Store) LoadECG(ctx context.Context, id string) ([]byte, error) {
	var doc struct {
		ECGBase64 string `bson:"ecg_base64"`
	}
	err := s.bundles.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"ecg_base64": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: load ecg %s: %w", id, err)
	}
	if doc.ECGBase64 == "" {
		return nil, nil
	}
	return []byte(doc.ECGBase64), nil
}

// ListDICOMPaths returns every document in the dicom_files collection.
func (s *Store) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) {
	cur, err := s.dicom.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongostore: list dicom paths: %w", err)
	}
	defer cur.Close(ctx)

	var refs []store.DicomRef
	for cur.Next(ctx) {
		var doc dicomDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: decode dicom row: %w", err)
		}
		refs = append(refs, store.DicomRef{Path: doc.Path, PatientIDHint: doc.PatientIDHint})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: cursor: %w", err)
	}
	return refs, nil
}

func fromBSON(doc bundleDoc) *store.PatientBundle {
	entries := make([]store.BundleEntry, len(doc.Bundle.Entries))
	for i, e := range doc.Bundle.Entries {
		entries[i] = store.BundleEntry{ResourceType: e.ResourceType, Resource: e.Resource}
	}
	resourceType := doc.Bundle.ResourceType
	if resourceType == "" {
		resourceType = "Bundle"
	}
	return &store.PatientBundle{ID: doc.ID, ResourceType: resourceType, Entries: entries}
}
