// Package remotestore implements store.Store against a record store running
// as a separate process (SPEC_FULL.md §3's domain-stack entry for
// google.golang.org/grpc + google.golang.org/protobuf): spec.md §6
// describes the record store as an external collaborator, and remotestore
// makes that literal by speaking the wire contract documented in
// proto/store.proto over a gRPC connection.
//
// The client below is hand-written against grpc.ClientConn.Invoke rather
// than protoc-generated stubs (this workspace has no protoc available to
// regenerate them; see DESIGN.md). Every payload is a
// google.protobuf.Struct, a real message type from the protobuf runtime,
// so no hand-rolled wire format stands in for the genuine library.
package remotestore

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sbayer2/medster-agent/internal/store"
)

const (
	methodLoadBundle     = "/medster.store.v1.RecordStore/LoadBundle"
	methodListIDs        = "/medster.store.v1.RecordStore/ListIDs"
	methodLoadECG        = "/medster.store.v1.RecordStore/LoadECG"
	methodListDICOMPaths = "/medster.store.v1.RecordStore/ListDICOMPaths"
)

// Store is a store.Store backed by a gRPC connection to an external
// record-store process.
type Store struct {
	conn *grpc.ClientConn
}

// New wraps an established gRPC connection as a store.Store. Callers own
// conn's lifetime.
func New(conn *grpc.ClientConn) *Store {
	return &Store{conn: conn}
}

var _ store.Store = (*Store)(nil)

// LoadBundle invokes RecordStore.LoadBundle. The server returns an empty
// Struct (no "found" field, or found == false) for an unknown id, which
// maps to (nil, nil) per the Store contract.
func (s *Store) LoadBundle(ctx context.Context, id string) (*store.PatientBundle, error) {
	req, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("remotestore: build LoadBundle request: %w", err)
	}
	reply := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, methodLoadBundle, req, reply); err != nil {
		return nil, fmt.Errorf("remotestore: LoadBundle %s: %w", id, err)
	}
	fields := reply.AsMap()
	if found, ok := fields["found"].(bool); ok && !found {
		return nil, nil
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return bundleFromStructMap(id, fields)
}

// ListIDs invokes RecordStore.ListIDs.
func (s *Store) ListIDs(ctx context.Context, limit int) ([]string, error) {
	req, err := structpb.NewStruct(map[string]any{"limit": float64(limit)})
	if err != nil {
		return nil, fmt.Errorf("remotestore: build ListIDs request: %w", err)
	}
	reply := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, methodListIDs, req, reply); err != nil {
		return nil, fmt.Errorf("remotestore: ListIDs: %w", err)
	}
	return stringListField(reply.AsMap(), "ids"), nil
}

// LoadECG invokes RecordStore.LoadECG.
func (s *Store) LoadECG(ctx context.Context, id string) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("remotestore: build LoadECG request: %w", err)
	}
	reply := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, methodLoadECG, req, reply); err != nil {
		return nil, fmt.Errorf("remotestore: LoadECG %s: %w", id, err)
	}
	fields := reply.AsMap()
	data, _ := fields["data"].(string)
	if data == "" {
		return nil, nil
	}
	return []byte(data), nil
}

// ListDICOMPaths invokes RecordStore.ListDICOMPaths.
func (s *Store) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) {
	req := &structpb.Struct{}
	reply := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, methodListDICOMPaths, req, reply); err != nil {
		return nil, fmt.Errorf("remotestore: ListDICOMPaths: %w", err)
	}
	fields := reply.AsMap()
	raw, _ := fields["refs"].([]any)
	refs := make([]store.DicomRef, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		path, _ := m["path"].(string)
		hint, _ := m["patient_id_hint"].(string)
		refs = append(refs, store.DicomRef{Path: path, PatientIDHint: hint})
	}
	return refs, nil
}

func stringListField(fields map[string]any, key string) []string {
	raw, _ := fields[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// bundleFromStructMap decodes a struct-encoded bundle into a
// store.PatientBundle. The wire shape mirrors store.PatientBundle's JSON
// tags ({"id", "resourceType", "entries": [{"resourceType", "resource"}]}).
func bundleFromStructMap(fallbackID string, fields map[string]any) (*store.PatientBundle, error) {
	id, _ := fields["id"].(string)
	if id == "" {
		id = fallbackID
	}
	resourceType, _ := fields["resourceType"].(string)
	if resourceType == "" {
		resourceType = "Bundle"
	}
	rawEntries, _ := fields["entries"].([]any)
	entries := make([]store.BundleEntry, 0, len(rawEntries))
	for _, e := range rawEntries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		rt, _ := m["resourceType"].(string)
		res, _ := m["resource"].(map[string]any)
		entries = append(entries, store.BundleEntry{ResourceType: rt, Resource: res})
	}
	return &store.PatientBundle{ID: id, ResourceType: resourceType, Entries: entries}, nil
}
