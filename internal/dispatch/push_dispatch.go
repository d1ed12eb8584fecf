package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-lifecycle/internal/session"
)

// PushDispatcher delivers session notices over the user's websockets and
// falls back to an HTTP push endpoint when the user has none open.
type PushDispatcher struct {
	WS       *WSRegistry
	Endpoint string
	Key      string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, endpoint, key string, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{WS: ws, Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, Logger: logger}
}

// Notify implements session.Notifier. The HTTP fallback runs in the
// background so the calling session loop never waits on the network.
func (p *PushDispatcher) Notify(n session.Notice) {
	err := p.WS.Push(n.UserID, n)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNoSession) || p.Endpoint == "" {
		p.Logger.Info("notice not delivered", "user_id", n.UserID, "kind", string(n.Kind), "err", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.post(ctx, n); err != nil {
			p.Logger.Warn("push fallback failed", "user_id", n.UserID, "kind", string(n.Kind), "err", err)
		}
	}()
}

func (p *PushDispatcher) post(ctx context.Context, n session.Notice) error {
	b, err := json.Marshal(map[string]any{"message": map[string]any{"topic": "user-" + n.UserID, "data": n}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}
	return nil
}
