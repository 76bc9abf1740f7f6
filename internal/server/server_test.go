package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/rendezvous"
	"github.com/dkeye/Mesh/internal/rendezvous/wsstore"
)

func startServer(t *testing.T, maxSessions int) (string, func()) {
	t.Helper()
	hub := NewHub(65536, 54*time.Second, maxSessions)
	cfg := &config.Config{Mode: "release"}
	engine := SetupRouter(context.Background(), cfg, hub)
	srv := httptest.NewServer(engine)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/store"
	return url, srv.Close
}

func dial(t *testing.T, url string) *wsstore.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := wsstore.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAttachLimiter(t *testing.T) {
	rl := newAttachLimiter(2, time.Minute)
	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("attempts within limit rejected")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("attempt past limit allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other address blocked")
	}
}

func TestWritePushOnce(t *testing.T) {
	url, stop := startServer(t, 0)
	defer stop()
	c := dial(t, url)
	defer c.Close()

	ctx := context.Background()
	if err := c.Write(ctx, "rooms/AAAAAA/name", "standup"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	key, err := c.Push(ctx, "rooms/AAAAAA/signals", map[string]string{"kind": "offer"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if key == "" {
		t.Fatal("Push returned empty key")
	}

	snaps, err := c.Once(ctx, "rooms/AAAAAA/signals")
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Key != key {
		t.Fatalf("Once = %+v, want single entry %s", snaps, key)
	}
}

func TestChildSubscriptionAcrossClients(t *testing.T) {
	url, stop := startServer(t, 0)
	defer stop()
	c1 := dial(t, url)
	defer c1.Close()
	c2 := dial(t, url)
	defer c2.Close()

	got := make(chan rendezvous.Snapshot, 8)
	ctx := context.Background()
	if err := c1.SubscribeChildAdded(ctx, "rooms/AAAAAA/signals", func(snap rendezvous.Snapshot) {
		got <- snap
	}); err != nil {
		t.Fatalf("SubscribeChildAdded: %v", err)
	}

	key, err := c2.Push(ctx, "rooms/AAAAAA/signals", map[string]string{"kind": "offer"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case snap := <-got:
		if snap.Key != key {
			t.Errorf("snapshot key = %s, want %s", snap.Key, key)
		}
		var v map[string]string
		if err := json.Unmarshal(snap.Value, &v); err != nil || v["kind"] != "offer" {
			t.Errorf("snapshot value = %s", snap.Value)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("child event never arrived")
	}
}

func TestDetachParksSession(t *testing.T) {
	url, stop := startServer(t, 0)
	defer stop()
	c1 := dial(t, url)
	c2 := dial(t, url)
	defer c2.Close()

	ctx := context.Background()
	const part = "rooms/AAAAAA/participants/dev1"
	if err := c1.OnDisconnectRemove(ctx, part); err != nil {
		t.Fatalf("OnDisconnectRemove: %v", err)
	}
	if err := c1.Write(ctx, part, map[string]string{"deviceId": "dev1"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sid := c1.SessionID()

	// Clean detach: the record must survive.
	if err := c1.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	snaps, err := c2.Once(ctx, "rooms/AAAAAA/participants")
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("participant gone after clean detach: %+v", snaps)
	}

	// Reattach resumes the same session.
	if err := c1.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	if c1.SessionID() != sid {
		t.Errorf("session id changed across detach: %s != %s", c1.SessionID(), sid)
	}

	// Unclean drop: now the cleanup rule fires.
	c1.Close()
	waitFor(t, 5*time.Second, func() bool {
		snaps, err := c2.Once(ctx, "rooms/AAAAAA/participants")
		return err == nil && len(snaps) == 0
	})
}

func TestOfflineCatchUp(t *testing.T) {
	url, stop := startServer(t, 0)
	defer stop()
	c1 := dial(t, url)
	defer c1.Close()
	c2 := dial(t, url)
	defer c2.Close()

	got := make(chan rendezvous.Snapshot, 8)
	ctx := context.Background()
	if err := c1.SubscribeChildAdded(ctx, "rooms/AAAAAA/signals", func(snap rendezvous.Snapshot) {
		got <- snap
	}); err != nil {
		t.Fatalf("SubscribeChildAdded: %v", err)
	}
	if err := c1.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}

	key, err := c2.Push(ctx, "rooms/AAAAAA/signals", map[string]string{"kind": "offer"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case <-got:
		t.Fatal("event delivered while detached")
	case <-time.After(200 * time.Millisecond):
	}

	if err := c1.GoOnline(ctx); err != nil {
		t.Fatalf("GoOnline: %v", err)
	}
	select {
	case snap := <-got:
		if snap.Key != key {
			t.Errorf("caught up key = %s, want %s", snap.Key, key)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("missed event never caught up")
	}
}

func TestSessionCapFreesOnDetach(t *testing.T) {
	url, stop := startServer(t, 1)
	defer stop()
	c1 := dial(t, url)
	defer c1.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := wsstore.Dial(ctx, url); err == nil {
		t.Fatal("second session admitted past the cap")
	}

	if err := c1.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	c2 := dial(t, url)
	c2.Close()
}

func TestOpsFailWhileDetached(t *testing.T) {
	url, stop := startServer(t, 0)
	defer stop()
	c := dial(t, url)
	defer c.Close()

	if err := c.GoOffline(); err != nil {
		t.Fatalf("GoOffline: %v", err)
	}
	if err := c.Write(context.Background(), "rooms/AAAAAA/name", "x"); err == nil {
		t.Fatal("Write succeeded while detached")
	}
}
