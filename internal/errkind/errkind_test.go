package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifiersMatchWrappedErrors(t *testing.T) {
	base := &BackpressureError{PendingCount: 10, MaxPending: 10}
	wrapped := fmt.Errorf("append: %w", base)

	if !IsBackpressure(wrapped) {
		t.Fatal("IsBackpressure should see through wrapping")
	}
	if IsRoutingMiss(wrapped) {
		t.Fatal("IsRoutingMiss must not match a backpressure error")
	}

	var got *BackpressureError
	if !errors.As(wrapped, &got) || got.MaxPending != 10 {
		t.Fatalf("errors.As failed to recover the typed error: %+v", got)
	}
}

func TestRoutingErrorMessages(t *testing.T) {
	notOwner := &RoutingError{Reason: NotOwner, PartitionID: 7, CurrentOwner: "node-b"}
	stale := &RoutingError{Reason: StaleMap, ClientVersion: 1, ServerVersion: 3}
	if notOwner.Error() == stale.Error() {
		t.Fatal("NOT_OWNER and STALE_MAP must render distinct messages")
	}
	if !IsRoutingMiss(notOwner) || !IsRoutingMiss(stale) {
		t.Fatal("both routing shapes classify as routing errors")
	}
}

func TestUnwrapChains(t *testing.T) {
	inner := errors.New("disk full")
	storageErr := &StorageError{Err: inner}
	if !errors.Is(storageErr, inner) {
		t.Fatal("StorageError must unwrap to its cause")
	}
	transport := &TransportError{Err: inner}
	if !IsTransport(fmt.Errorf("send: %w", transport)) {
		t.Fatal("IsTransport should see through wrapping")
	}
}
