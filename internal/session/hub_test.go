package session

import (
	"context"
	"testing"

	"github.com/example/ride-lifecycle/internal/matching"
)

func TestHubReusesSessions(t *testing.T) {
	h := newHarness(t, matching.CleanupArchive)
	hub := NewHub(h.deps())
	t.Cleanup(hub.Close)
	ctx := context.Background()

	if hub.Customer("c1") != hub.Customer("c1") {
		t.Fatal("expected one customer session per user")
	}
	d1, err := hub.Driver(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := hub.Driver(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != again {
		t.Fatal("expected one driver session per driver")
	}
	// A hub-started driver can toggle availability right away.
	if err := d1.SetConnected(ctx, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "connected", func() bool { return d1.View().Connected })
}
