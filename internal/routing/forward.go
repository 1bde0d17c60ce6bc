package routing

import (
	"context"
	"fmt"

	"github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// partitionKeyMD is the incoming-metadata key a client sets to the record
// key of a routed operation, so the forwarder can resolve the owning node
// without decoding the request payload.
const partitionKeyMD = "partition-key"

// ConnDialer resolves a node id to a live *grpc.ClientConn, typically
// backed by internal/pool.
type ConnDialer interface {
	Dial(ctx context.Context, nodeID string) (*grpc.ClientConn, error)
}

// Forwarder implements routingMode=forward: a non-owner node
// proxies the raw grpc stream to the partition owner without decoding the
// operation payload, using the director pattern from
// github.com/siderolabs/grpc-proxy.
type Forwarder struct {
	routes *Map
	hints  *HintStore
	dialer ConnDialer
	selfID string
}

// NewForwarder builds a Forwarder for node selfID, consulting routes and
// hints to pick a target and dialer to obtain the connection.
func NewForwarder(selfID string, routes *Map, hints *HintStore, dialer ConnDialer) *Forwarder {
	return &Forwarder{routes: routes, hints: hints, dialer: dialer, selfID: selfID}
}

// Director implements proxy.StreamDirector: it reads the partition key from
// the incoming metadata, resolves the owner via the partition map (falling
// back to a hinted owner after a routing:miss), and hands back a single
// backend wrapping the dialed owner connection. The stream body is never
// decoded here.
func (f *Forwarder) Director(ctx context.Context, fullMethodName string) (proxy.Mode, []proxy.Backend, error) {
	key, ok := keyFromContext(ctx)
	if !ok {
		return proxy.One2One, nil, fmt.Errorf("routing: no partition key in metadata for %s", fullMethodName)
	}

	partitionID, owner, ok := f.routes.Route(key)
	if !ok {
		if hinted, hok := f.hints.Get(partitionID); hok {
			owner = hinted
		} else {
			return proxy.One2One, nil, fmt.Errorf("routing: miss for partition %d, no route or hint available", partitionID)
		}
	}

	if owner == f.selfID {
		return proxy.One2One, nil, fmt.Errorf("routing: self-forward loop for partition %d", partitionID)
	}

	return proxy.One2One, []proxy.Backend{&ownerBackend{forwarder: f, nodeID: owner}}, nil
}

// ServerOption returns the grpc.ServerOption that installs f as the
// transparent handler for every service the server does not itself
// implement.
func (f *Forwarder) ServerOption() grpc.ServerOption {
	return grpc.UnknownServiceHandler(proxy.TransparentHandler(f.Director))
}

// ownerBackend is the single proxy.Backend a Director resolution yields:
// the partition owner's pooled connection. AppendInfo/BuildError are
// pass-throughs since forwarding is strictly One2One — no per-backend
// response metadata is injected.
type ownerBackend struct {
	forwarder *Forwarder
	nodeID    string
}

var _ proxy.Backend = (*ownerBackend)(nil)

func (b *ownerBackend) String() string { return b.nodeID }

// GetConnection dials (or reuses) the owner's pooled connection and strips
// the routing metadata so the owner sees a direct request.
func (b *ownerBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	delete(md, partitionKeyMD)
	outCtx := metadata.NewOutgoingContext(ctx, md)

	conn, err := b.forwarder.dialer.Dial(ctx, b.nodeID)
	if err != nil {
		return outCtx, nil, fmt.Errorf("routing: dial owner %s: %w", b.nodeID, err)
	}
	return outCtx, conn, nil
}

func (b *ownerBackend) AppendInfo(_ bool, resp []byte) ([]byte, error) { return resp, nil }

func (b *ownerBackend) BuildError(bool, error) ([]byte, error) { return nil, nil }

// WithKey attaches the partition routing key to ctx's outgoing metadata,
// for a client issuing a routed call through a forwarding node.
func WithKey(ctx context.Context, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, partitionKeyMD, key)
}

func keyFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(partitionKeyMD)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
