package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/rendezvous"
)

func waitFor(t *testing.T, ch <-chan rendezvous.Snapshot) rendezvous.Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return rendezvous.Snapshot{}
	}
}

func TestChildAddedReplaysExistingAndNew(t *testing.T) {
	backend := NewBackend()
	ctx := context.Background()

	writer := backend.Client()
	if _, err := writer.Push(ctx, "rooms/R/signals", map[string]string{"n": "first"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	reader := backend.Client()
	got := make(chan rendezvous.Snapshot, 8)
	if err := reader.SubscribeChildAdded(ctx, "rooms/R/signals", func(s rendezvous.Snapshot) {
		got <- s
	}); err != nil {
		t.Fatalf("SubscribeChildAdded: %v", err)
	}

	first := waitFor(t, got)
	var v map[string]string
	if err := json.Unmarshal(first.Value, &v); err != nil || v["n"] != "first" {
		t.Fatalf("first child = %s, err %v", first.Value, err)
	}

	if _, err := writer.Push(ctx, "rooms/R/signals", map[string]string{"n": "second"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	second := waitFor(t, got)
	if err := json.Unmarshal(second.Value, &v); err != nil || v["n"] != "second" {
		t.Fatalf("second child = %s, err %v", second.Value, err)
	}
}

func TestRemovedChildDoesNotHideLaterOnes(t *testing.T) {
	backend := NewBackend()
	ctx := context.Background()
	client := backend.Client()

	got := make(chan rendezvous.Snapshot, 8)
	if err := client.SubscribeChildAdded(ctx, "rooms/R/signals", func(s rendezvous.Snapshot) {
		got <- s
	}); err != nil {
		t.Fatalf("SubscribeChildAdded: %v", err)
	}

	key, _ := client.Push(ctx, "rooms/R/signals", 1)
	waitFor(t, got)
	if err := client.Remove(ctx, "rooms/R/signals/"+key); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := client.Push(ctx, "rooms/R/signals", 2); err != nil {
		t.Fatalf("Push: %v", err)
	}
	next := waitFor(t, got)
	var n int
	if err := json.Unmarshal(next.Value, &n); err != nil || n != 2 {
		t.Fatalf("next child = %s, want 2", next.Value)
	}
}

func TestValueSubscriptionComposesChildren(t *testing.T) {
	backend := NewBackend()
	ctx := context.Background()
	client := backend.Client()

	values := make(chan json.RawMessage, 8)
	if err := client.SubscribeValue(ctx, "rooms/R/participants", func(raw json.RawMessage) {
		values <- raw
	}); err != nil {
		t.Fatalf("SubscribeValue: %v", err)
	}

	// Initial state is null.
	select {
	case raw := <-values:
		if string(raw) != "null" {
			t.Fatalf("initial value = %s, want null", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial value")
	}

	if err := client.Write(ctx, "rooms/R/participants/dev-1", map[string]any{"deviceId": "dev-1"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-values:
			var m map[string]struct {
				DeviceID string `json:"deviceId"`
			}
			if err := json.Unmarshal(raw, &m); err == nil {
				if rec, ok := m["dev-1"]; ok && rec.DeviceID == "dev-1" {
					return
				}
			}
		case <-deadline:
			t.Fatal("value subscription never saw dev-1")
		}
	}
}

func TestOfflineQueuesSubscriptionCatchUp(t *testing.T) {
	backend := NewBackend()
	ctx := context.Background()

	writer := backend.Client()
	reader := backend.Client()

	got := make(chan rendezvous.Snapshot, 8)
	if err := reader.SubscribeChildAdded(ctx, "rooms/R/introductions", func(s rendezvous.Snapshot) {
		got <- s
	}); err != nil {
		t.Fatalf("SubscribeChildAdded: %v", err)
	}

	if err := reader.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	if _, err := writer.Push(ctx, "rooms/R/introductions", "while-away"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case snap := <-got:
		t.Fatalf("received %s while offline", snap.Value)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := writer.Push(ctx, "rooms/R/introductions", "also-away"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := reader.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	waitFor(t, got)
	waitFor(t, got)
}

func TestOperationsFailOffline(t *testing.T) {
	backend := NewBackend()
	client := backend.Client()
	if err := client.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	if err := client.Write(context.Background(), "rooms/R/name", "x"); err != rendezvous.ErrOffline {
		t.Errorf("Write err = %v, want ErrOffline", err)
	}
}

func TestDisconnectRunsCleanupDetachDoesNot(t *testing.T) {
	backend := NewBackend()
	ctx := context.Background()

	member := backend.Client()
	observer := backend.Client()

	path := "rooms/R/participants/dev-1"
	if err := member.Write(ctx, path, map[string]string{"deviceId": "dev-1"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := member.OnDisconnectRemove(ctx, path); err != nil {
		t.Fatalf("OnDisconnectRemove: %v", err)
	}

	// Deliberate detach keeps the participant record.
	if err := member.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	if snaps, err := observer.Once(ctx, "rooms/R/participants"); err != nil || len(snaps) != 1 {
		t.Fatalf("after detach: snaps = %v, err = %v, want 1 record", snaps, err)
	}

	// Unclean disconnect removes it.
	member.Disconnect()
	if snaps, err := observer.Once(ctx, "rooms/R/participants"); err != nil || len(snaps) != 0 {
		t.Fatalf("after disconnect: snaps = %v, err = %v, want none", snaps, err)
	}
}
