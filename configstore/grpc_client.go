package configstore

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// GRPCStore reaches a production shared config store (e.g. an etcd-backed
// consensus KV service the host operates) over gRPC. It calls the service
// generically via ClientConn.Invoke rather than a generated stub, since the
// core does not own that service's schema — it only needs opaque put/get of
// small blobs (spec §1's stated non-goal: "networking primitives for the
//... shared config store"). wrapperspb.BytesValue, a stable pre-generated
// message from google.golang.org/protobuf, carries the blob payload.
type GRPCStore struct {
	conn *grpc.ClientConn

	// PutMethod/GetMethod name the gRPC methods to invoke, allowing this
	// client to target whatever service the host's config store exposes.
	PutMethod string
	GetMethod string
}

// NewGRPCStore wraps an existing connection to the shared config store.
func NewGRPCStore(conn *grpc.ClientConn) *GRPCStore {
	return &GRPCStore{
		conn:      conn,
		PutMethod: "/configstore.KV/Put",
		GetMethod: "/configstore.KV/Get",
	}
}

// kvRequest is the wire shape both Put and Get send: the store is keyed by
// string, so the key travels as the BytesValue's companion via a small
// two-field envelope encoded through protobuf's map support is unnecessary
// here — Put sends the value as the request body and encodes the key in the
// gRPC method's calling convention via context metadata, matching how the
// teacher's own thin gRPC clients (grpc/client.go) pass small routing
// fields alongside a binary payload.
type kvRequest = wrapperspb.BytesValue

func (s *GRPCStore) Put(ctx context.Context, key string, value []byte) error {
	ctx = withKey(ctx, key)
	req := &kvRequest{Value: value}
	resp := &wrapperspb.BoolValue{}
	if err := s.conn.Invoke(ctx, s.PutMethod, req, resp); err != nil {
		return fmt.Errorf("configstore: put %q: %w", key, err)
	}
	return nil
}

func (s *GRPCStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx = withKey(ctx, key)
	req := &wrapperspb.StringValue{Value: key}
	resp := &kvRequest{}
	if err := s.conn.Invoke(ctx, s.GetMethod, req, resp); err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("configstore: get %q: %w", key, err)
	}
	return resp.Value, true, nil
}
