package remotestore_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sbayer2/medster-agent/internal/store/remotestore"
)

// fakeRecordStoreServer answers the four RecordStore RPCs documented in
// proto/store.proto from an in-memory fixture, so remotestore's client can
// be exercised against a real gRPC connection without an external process.
type fakeRecordStoreServer struct {
	bundles map[string]map[string]any
	ecg     map[string]string
	dicom   []any
}

func (s *fakeRecordStoreServer) loadBundle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.AsMap()["id"].(string)
	fields, ok := s.bundles[id]
	if !ok {
		return structpb.NewStruct(map[string]any{"found": false})
	}
	return structpb.NewStruct(fields)
}

func (s *fakeRecordStoreServer) listIDs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.AsMap()["limit"].(float64))
	ids := []any{}
	for id := range s.bundles {
		ids = append(ids, id)
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return structpb.NewStruct(map[string]any{"ids": ids})
}

func (s *fakeRecordStoreServer) loadECG(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.AsMap()["id"].(string)
	return structpb.NewStruct(map[string]any{"data": s.ecg[id]})
}

func (s *fakeRecordStoreServer) listDICOMPaths(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"refs": s.dicom})
}

// serviceDesc hand-wires the same method set proto/store.proto documents,
// standing in for protoc-generated server registration (this workspace has
// no protoc available; see DESIGN.md).
func serviceDesc(s *fakeRecordStoreServer) grpc.ServiceDesc {
	unary := func(handler func(context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
		return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			return handler(ctx, req)
		}
	}
	return grpc.ServiceDesc{
		ServiceName: "medster.store.v1.RecordStore",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "LoadBundle", Handler: unary(s.loadBundle)},
			{MethodName: "ListIDs", Handler: unary(s.listIDs)},
			{MethodName: "LoadECG", Handler: unary(s.loadECG)},
			{MethodName: "ListDICOMPaths", Handler: unary(s.listDICOMPaths)},
		},
	}
}

func dialTestServer(t *testing.T, fake *fakeRecordStoreServer) *grpc.ClientConn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	desc := serviceDesc(fake)
	srv.RegisterService(&desc, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestLoadBundleFoundAndMissing(t *testing.T) {
	fake := &fakeRecordStoreServer{
		bundles: map[string]map[string]any{
			"p1": {
				"id":           "p1",
				"resourceType": "Bundle",
				"entries": []any{
					map[string]any{"resourceType": "Condition", "resource": map[string]any{"code": map[string]any{"text": "sepsis"}}},
				},
			},
		},
	}
	conn := dialTestServer(t, fake)
	s := remotestore.New(conn)

	bundle, err := s.LoadBundle(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, "p1", bundle.ID)
	assert.Len(t, bundle.Conditions(), 1)

	missing, err := s.LoadBundle(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListIDsRespectsLimit(t *testing.T) {
	fake := &fakeRecordStoreServer{bundles: map[string]map[string]any{
		"p1": {"id": "p1"}, "p2": {"id": "p2"}, "p3": {"id": "p3"},
	}}
	conn := dialTestServer(t, fake)
	s := remotestore.New(conn)

	ids, err := s.ListIDs(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestLoadECGEmptyWhenMissing(t *testing.T) {
	fake := &fakeRecordStoreServer{bundles: map[string]map[string]any{}, ecg: map[string]string{}}
	conn := dialTestServer(t, fake)
	s := remotestore.New(conn)

	data, err := s.LoadECG(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestListDICOMPathsDecodesRefs(t *testing.T) {
	fake := &fakeRecordStoreServer{
		bundles: map[string]map[string]any{},
		dicom: []any{
			map[string]any{"path": "/data/scan1.dcm", "patient_id_hint": "p1"},
		},
	}
	conn := dialTestServer(t, fake)
	s := remotestore.New(conn)

	refs, err := s.ListDICOMPaths(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "/data/scan1.dcm", refs[0].Path)
	assert.Equal(t, "p1", refs[0].PatientIDHint)
}
