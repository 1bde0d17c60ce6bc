package wire

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := Encode(TypeSyncReq, SyncReqPayload{MapName: "todos", LastSyncTimestamp: "100.2@node-a"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env.Type != TypeSyncReq {
		t.Fatalf("env.Type = %v, want TypeSyncReq", env.Type)
	}

	var got SyncReqPayload
	if err := Decode(env, TypeSyncReq, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MapName != "todos" || got.LastSyncTimestamp != "100.2@node-a" {
		t.Fatalf("decoded payload = %+v", got)
	}
}

func TestDecodeRejectsMismatchedType(t *testing.T) {
	env, err := Encode(TypeAck, AckPayload{LastID: 7})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var dst SyncReqPayload
	if err := Decode(env, TypeSyncReq, &dst); err == nil {
		t.Fatal("expected Decode to reject an ACK envelope read as SYNC_REQ")
	}
}

func TestTypeStringsCoverEveryVariant(t *testing.T) {
	for typ := TypeAuth; typ <= TypeReplicationAck; typ++ {
		if typ.String() == "UNKNOWN" {
			t.Errorf("Type(%d) has no String name", typ)
		}
	}
	if Type(0).String() != "UNKNOWN" {
		t.Errorf("zero Type should stringify as UNKNOWN")
	}
}

func TestBufferPoolRecyclesAndClears(t *testing.T) {
	bp := NewBufferPool(8)
	buf := bp.Get()
	if len(buf) != 8 {
		t.Fatalf("Get() len = %d, want 8", len(buf))
	}
	for i := range buf {
		buf[i] = 0xff
	}
	bp.Put(buf)

	again := bp.Get()
	for i, b := range again {
		if b != 0 {
			t.Fatalf("recycled buffer not cleared at %d: %x", i, b)
		}
	}
}

func TestBufferPoolIgnoresWrongSize(t *testing.T) {
	bp := NewBufferPool(8)
	// Must not panic or poison the pool.
	bp.Put(make([]byte, 3))
	if got := bp.Get(); len(got) != 8 {
		t.Fatalf("Get() after wrong-size Put = %d bytes, want 8", len(got))
	}
}
