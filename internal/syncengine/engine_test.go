package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/synccore/synccore/internal/hlc"
	"github.com/synccore/synccore/internal/oplog"
	"github.com/synccore/synccore/internal/wire"
)

type fakeSender struct {
	envelopes []wire.Envelope
	err       error
}

func (s *fakeSender) Send(ctx context.Context, env wire.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

type fakeSink struct {
	applied map[string][]json.RawMessage
	ts      hlc.Timestamp
	err     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{applied: make(map[string][]json.RawMessage)}
}

func (s *fakeSink) ApplyRemote(mapName string, recordJSON json.RawMessage) (hlc.Timestamp, error) {
	if s.err != nil {
		return hlc.Timestamp{}, s.err
	}
	s.applied[mapName] = append(s.applied[mapName], recordJSON)
	return s.ts, nil
}

func TestEnginePushPendingBatchesAndEncodes(t *testing.T) {
	log := oplog.New(oplog.Config{})
	for i := 0; i < 5; i++ {
		if _, err := log.Append(context.Background(), oplog.Entry{MapName: "todos", Key: "k", Op: oplog.OpPut, Record: map[string]any{"i": i}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sender := &fakeSender{}
	engine := New(log, sender, newFakeSink(), 2, nil)

	if err := engine.PushPending(context.Background()); err != nil {
		t.Fatalf("PushPending: %v", err)
	}
	if len(sender.envelopes) != 3 {
		t.Fatalf("got %d batches, want 3 (batchSize=2 over 5 pending)", len(sender.envelopes))
	}
	for _, env := range sender.envelopes {
		if env.Type != wire.TypeOpBatch {
			t.Errorf("envelope type = %v, want TypeOpBatch", env.Type)
		}
		var payload wire.OpPayload
		if err := wire.Decode(env, wire.TypeOpBatch, &payload); err != nil {
			t.Errorf("decode op batch: %v", err)
		}
	}
}

func TestEnginePushPendingEmptyIsNoop(t *testing.T) {
	log := oplog.New(oplog.Config{})
	sender := &fakeSender{}
	engine := New(log, sender, newFakeSink(), 0, nil)

	if err := engine.PushPending(context.Background()); err != nil {
		t.Fatalf("PushPending on empty log: %v", err)
	}
	if len(sender.envelopes) != 0 {
		t.Errorf("expected no envelopes sent for an empty oplog, got %d", len(sender.envelopes))
	}
}

func TestEnginePushPendingPropagatesSendError(t *testing.T) {
	log := oplog.New(oplog.Config{})
	if _, err := log.Append(context.Background(), oplog.Entry{MapName: "todos", Key: "k", Op: oplog.OpPut, Record: map[string]any{}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sendErr := errors.New("transport down")
	engine := New(log, &fakeSender{err: sendErr}, newFakeSink(), 10, nil)

	if err := engine.PushPending(context.Background()); err == nil {
		t.Fatal("expected PushPending to propagate the sender error")
	}
}

func TestEngineHandleAckMarksEntriesSynced(t *testing.T) {
	log := oplog.New(oplog.Config{})
	var lastID uint64
	for i := 0; i < 3; i++ {
		id, err := log.Append(context.Background(), oplog.Entry{MapName: "todos", Key: "k", Op: oplog.OpPut, Record: map[string]any{}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		lastID = id
	}

	engine := New(log, &fakeSender{}, newFakeSink(), 10, nil)
	engine.HandleAck(wire.AckPayload{LastID: lastID})

	if got := log.PendingCount(); got != 0 {
		t.Errorf("PendingCount after ack up to %d = %d, want 0", lastID, got)
	}
}

func TestEngineSyncRequestCarriesLastObservedTimestamp(t *testing.T) {
	sender := &fakeSender{}
	sink := newFakeSink()
	sink.ts = hlc.Timestamp{Millis: 100, Counter: 1, NodeID: "n1"}
	engine := New(oplog.New(oplog.Config{}), sender, sink, 10, nil)

	delta := wire.SyncDeltaPayload{MapName: "todos", Records: []json.RawMessage{json.RawMessage(`{"key":"a"}`)}}
	if err := engine.HandleSyncDelta(context.Background(), delta); err != nil {
		t.Fatalf("HandleSyncDelta: %v", err)
	}

	if err := engine.SyncRequest(context.Background(), "todos"); err != nil {
		t.Fatalf("SyncRequest: %v", err)
	}
	if len(sender.envelopes) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(sender.envelopes))
	}
	var req wire.SyncReqPayload
	if err := wire.Decode(sender.envelopes[0], wire.TypeSyncReq, &req); err != nil {
		t.Fatalf("decode sync req: %v", err)
	}
	if req.LastSyncTimestamp != sink.ts.String() {
		t.Errorf("LastSyncTimestamp = %q, want %q", req.LastSyncTimestamp, sink.ts.String())
	}
}

func TestEngineHandleSyncDeltaTracksMaxTimestampAndSkipsMalformed(t *testing.T) {
	sink := newFakeSink()
	sink.ts = hlc.Timestamp{Millis: 50, Counter: 0, NodeID: "n1"}
	engine := New(oplog.New(oplog.Config{}), &fakeSender{}, sink, 10, nil)

	delta := wire.SyncDeltaPayload{MapName: "todos", Records: []json.RawMessage{
		json.RawMessage(`{"key":"a"}`),
		json.RawMessage(`{"key":"b"}`),
	}}
	if err := engine.HandleSyncDelta(context.Background(), delta); err != nil {
		t.Fatalf("HandleSyncDelta: %v", err)
	}
	if len(sink.applied["todos"]) != 2 {
		t.Fatalf("applied %d records, want 2", len(sink.applied["todos"]))
	}
	if got := engine.LastSyncTimestamp("todos"); got != sink.ts {
		t.Errorf("LastSyncTimestamp = %+v, want %+v", got, sink.ts)
	}

	sink.err = errors.New("bad record")
	if err := engine.HandleSyncDelta(context.Background(), wire.SyncDeltaPayload{MapName: "todos", Records: []json.RawMessage{json.RawMessage(`{}`)}}); err != nil {
		t.Fatalf("HandleSyncDelta should swallow per-record apply errors, got: %v", err)
	}
}
