package cluster

// replication_rpc.go hand-writes a grpc codec and ServiceDesc for the
// REPLICATION_BATCH rpc, standing in for protoc-generated
// stubs: internal/wire already hand-rolls its tagged-union envelope
// instead of relying on generated types, so the replication transport
// follows the same codegen-free style, registering a JSON
// encoding.Codec and a single unary method by hand.

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/synccore/synccore/internal/replication"
)

const jsonCodecName = "synccore-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec satisfies encoding.Codec using encoding/json, so the
// replication RPC needs no .proto file or protoc invocation.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

// ReplicationBatchRequest is the Send RPC's request body.
type ReplicationBatchRequest struct {
	Ops []replication.Op `json:"ops"`
}

// ReplicationBatchResponse is the Send RPC's response body.
type ReplicationBatchResponse struct {
	Acked bool `json:"acked"`
}

const replicationServiceName = "synccore.Replication"

// replicationServiceDesc is the hand-written equivalent of a
// protoc-generated grpc.ServiceDesc for the Replication service's single
// unary method.
var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: replicationServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: replicationSendHandler},
	},
	Metadata: "internal/cluster/replication",
}

// ReplicationServer is implemented by whatever handles incoming
// REPLICATION_BATCH calls server-side (Client.Send).
type ReplicationServer interface {
	Send(ctx context.Context, req *ReplicationBatchRequest) (*ReplicationBatchResponse, error)
}

func replicationSendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReplicationBatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + replicationServiceName + "/Send"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).Send(ctx, req.(*ReplicationBatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterReplicationServer wires srv into server under the hand-written
// ServiceDesc.
func RegisterReplicationServer(server *grpc.Server, srv ReplicationServer) {
	server.RegisterService(&replicationServiceDesc, srv)
}

// dialer is the narrow surface GrpcReplicationTransport needs from
// internal/pool.Pool.
type dialer interface {
	Dial(ctx context.Context, nodeID string) (*grpc.ClientConn, error)
}

// GrpcReplicationTransport implements replication.BackupTransport over a
// unary grpc call coded with the JSON codec above, so the replication
// queue genuinely exercises google.golang.org/grpc without any
// protoc-generated stub.
type GrpcReplicationTransport struct {
	Dialer dialer
}

// SendBatch satisfies replication.BackupTransport.
func (t GrpcReplicationTransport) SendBatch(ctx context.Context, backupNodeID string, ops []replication.Op) error {
	conn, err := t.Dialer.Dial(ctx, backupNodeID)
	if err != nil {
		return fmt.Errorf("replication transport: dial %s: %w", backupNodeID, err)
	}

	req := &ReplicationBatchRequest{Ops: ops}
	resp := new(ReplicationBatchResponse)
	if err := conn.Invoke(ctx, "/"+replicationServiceName+"/Send", req, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return fmt.Errorf("replication transport: send to %s: %w", backupNodeID, err)
	}
	if !resp.Acked {
		return status.Error(codes.Aborted, "replication: backup did not ack batch")
	}
	return nil
}

// Send implements ReplicationServer: a backup applies a replicated op
// exactly as it would apply a pulled SYNC_DELTA record.
func (c *Client) Send(ctx context.Context, req *ReplicationBatchRequest) (*ReplicationBatchResponse, error) {
	for _, op := range req.Ops {
		wr := wireRecord{Key: op.Key, Timestamp: op.Timestamp}
		if doc, ok := op.Record.(map[string]any); ok {
			wr.Value = doc
		}
		raw, err := json.Marshal(wr)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "marshal replicated record: %v", err)
		}
		if _, err := c.ApplyRemote(op.MapName, raw); err != nil {
			return nil, status.Errorf(codes.Internal, "apply replicated record: %v", err)
		}
		// ApplyRemote already persists the merged record via
		// mergeRemoteRecord's persistQuiet call.
	}
	return &ReplicationBatchResponse{Acked: true}, nil
}
