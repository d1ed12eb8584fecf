package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
)

func testBackends(url string) *stripe.Backends {
	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &stripe.Backends{API: b, Connect: b, Uploads: b}
}

func TestStripeHoldCaptureRelease(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/v1/payment_intents" {
			if got := r.PostForm.Get("capture_method"); got != "manual" {
				t.Errorf("capture_method = %q", got)
			}
			if got := r.PostForm.Get("amount"); got != "21500" {
				t.Errorf("amount = %q", got)
			}
			if got := r.PostForm.Get("metadata[rider_id]"); got != "c1" {
				t.Errorf("rider metadata = %q", got)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent"}`))
	}))
	defer srv.Close()

	c := newStripeClient("sk_test_x", "vnd", testBackends(srv.URL))
	ctx := context.Background()
	id, err := c.Hold(ctx, "c1", 21500)
	if err != nil {
		t.Fatal(err)
	}
	if id != "pi_123" {
		t.Fatalf("hold id = %q", id)
	}
	if err := c.Capture(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := c.Release(ctx, id); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"POST /v1/payment_intents",
		"POST /v1/payment_intents/pi_123/capture",
		"POST /v1/payment_intents/pi_123/cancel",
	}
	if len(paths) != len(want) {
		t.Fatalf("calls = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("call %d = %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestNoopHolder(t *testing.T) {
	var h Holder = Noop{}
	id, err := h.Hold(context.Background(), "c1", 1)
	if err != nil || id != "" {
		t.Fatalf("noop hold: %q %v", id, err)
	}
}
