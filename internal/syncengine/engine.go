package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/wire"
)

// Sender delivers an outbound envelope over whatever transport the caller
// wired in; WebSocket/HTTP framing lives outside this package.
type Sender interface {
	Send(ctx context.Context, env wire.Envelope) error
}

// MergeSink applies one remote delta record to the named map and reports
// the HLC timestamp it carried, so Engine can track each map's maximum
// observed sync timestamp. Implemented by the map registry in pkg/cluster,
// which knows the concrete record kind (LWW/OR/PN) per map name.
type MergeSink interface {
	ApplyRemote(mapName string, recordJSON json.RawMessage) (hlc.Timestamp, error)
}

// Engine drives the push (oplog -> server) and pull (server -> map)
// protocols for one connection.
type Engine struct {
	log       *oplog.Log
	sender    Sender
	sink      MergeSink
	batchSize int
	tracer    trace.Tracer

	mu                sync.Mutex
	lastSyncTimestamp map[string]hlc.Timestamp
}

// DefaultBatchSize bounds how many pending ops one OP_BATCH carries.
const DefaultBatchSize = 100

// New creates an Engine. tracer may be nil (spans become no-ops via the
// global no-op tracer convention when the caller passes
// otel.Tracer("...") regardless of whether a provider is configured).
func New(log *oplog.Log, sender Sender, sink MergeSink, batchSize int, tracer trace.Tracer) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		log:               log,
		sender:            sender,
		sink:              sink,
		batchSize:         batchSize,
		tracer:            tracer,
		lastSyncTimestamp: make(map[string]hlc.Timestamp),
	}
}

// PushPending drains the oplog's pending entries in id order and sends them
// to the server in batches of at most batchSize. It does not wait for the
// ACK itself — HandleAck marks
// entries synced once the server responds, since a request/response
// round-trip over an externally-owned transport is not this package's
// concern beyond Sender.Send.
func (e *Engine) PushPending(ctx context.Context) error {
	pending := e.log.Pending()
	if len(pending) == 0 {
		return nil
	}

	ctx, span := e.startSpan(ctx, "syncengine.push")
	defer span.End()
	span.SetAttributes(attribute.Int("synccore.pending_count", len(pending)))

	for start := 0; start < len(pending); start += e.batchSize {
		end := start + e.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		ops := make([]json.RawMessage, len(batch))
		for i, entry := range batch {
			raw, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("syncengine: marshal oplog entry %d: %w", entry.ID, err)
			}
			ops[i] = raw
		}

		env, err := wire.Encode(wire.TypeOpBatch, wire.OpPayload{Ops: ops})
		if err != nil {
			return fmt.Errorf("syncengine: encode op batch: %w", err)
		}
		if err := e.sender.Send(ctx, env); err != nil {
			return fmt.Errorf("syncengine: send op batch: %w", err)
		}
	}
	return nil
}

// HandleAck applies the server's ACK atomically: every pushed entry with id
// <= ack.LastID is marked synced, providing
// at-most-once delivery of the acknowledgment from the client's
// perspective (a duplicate ACK for an already-synced id is a no-op, per
// oplog.MarkSynced's idempotence).
func (e *Engine) HandleAck(ack wire.AckPayload) {
	e.log.MarkSynced(ack.LastID)
}

// SyncRequest sends SYNC_REQ for mapName using the highest HLC timestamp
// previously observed for it.
func (e *Engine) SyncRequest(ctx context.Context, mapName string) error {
	last := e.LastSyncTimestamp(mapName)
	env, err := wire.Encode(wire.TypeSyncReq, wire.SyncReqPayload{MapName: mapName, LastSyncTimestamp: last.String()})
	if err != nil {
		return fmt.Errorf("syncengine: encode sync req: %w", err)
	}
	return e.sender.Send(ctx, env)
}

// HandleSyncDelta applies every record in delta via the configured
// MergeSink, skipping (and logging) records the sink rejects, and advances
// mapName's lastSyncTimestamp to the maximum HLC observed. The merges run
// outside the engine's lock; only the timestamp advance is made under it,
// and storage persistence is not transactional, which is
// storage.Adapter's concern.
func (e *Engine) HandleSyncDelta(ctx context.Context, delta wire.SyncDeltaPayload) error {
	ctx, span := e.startSpan(ctx, "syncengine.pull")
	defer span.End()
	span.SetAttributes(
		attribute.String("synccore.map", delta.MapName),
		attribute.Int("synccore.record_count", len(delta.Records)),
	)

	var maxTS hlc.Timestamp
	for _, raw := range delta.Records {
		ts, err := e.sink.ApplyRemote(delta.MapName, raw)
		if err != nil {
			slog.Warn("dropping malformed sync delta record", "map", delta.MapName, "error", err)
			continue
		}
		if ts.After(maxTS) {
			maxTS = ts
		}
	}

	e.mu.Lock()
	if maxTS.After(e.lastSyncTimestamp[delta.MapName]) {
		e.lastSyncTimestamp[delta.MapName] = maxTS
	}
	e.mu.Unlock()
	return nil
}

// LastSyncTimestamp returns the highest HLC timestamp observed so far for
// mapName (zero value if none).
func (e *Engine) LastSyncTimestamp(mapName string) hlc.Timestamp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncTimestamp[mapName]
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.Start(ctx, name)
}
