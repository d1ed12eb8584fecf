package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/storage"
)

// CleanupMode selects what happens to a request document once it is terminal.
type CleanupMode string

const (
	CleanupArchive CleanupMode = "archive"
	CleanupDelete  CleanupMode = "delete"
)

func ParseCleanupMode(s string) (CleanupMode, error) {
	switch CleanupMode(s) {
	case "", CleanupArchive:
		return CleanupArchive, nil
	case CleanupDelete:
		return CleanupDelete, nil
	}
	return "", fmt.Errorf("unknown cleanup mode %q", s)
}

// Resolution reports whether a completion or cancellation was committed by
// this call or had already been settled by someone else.
type Resolution int

const (
	Resolved Resolution = iota
	AlreadyResolved
)

func (r Resolution) String() string {
	if r == AlreadyResolved {
		return "already_resolved"
	}
	return "resolved"
}

// TransitionPublisher receives every committed lifecycle transition.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, t models.Transition) error
}

// Coordinator is the only way sessions and handlers change a request's
// status. Accept goes through the store's conditional write; completion and
// cancellation are validated against the current document by the store.
type Coordinator struct {
	store  storage.RequestStore
	events TransitionPublisher
	mode   CleanupMode
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Coordinator. events may be nil.
func New(store storage.RequestStore, events TransitionPublisher, mode CleanupMode, logger *slog.Logger) *Coordinator {
	if mode == "" {
		mode = CleanupArchive
	}
	return &Coordinator{store: store, events: events, mode: mode, logger: logger, now: time.Now}
}

func (c *Coordinator) CleanupMode() CleanupMode { return c.mode }

func (c *Coordinator) Create(ctx context.Context, in storage.NewRequest) (string, error) {
	id, err := c.store.Create(ctx, in)
	if err != nil {
		c.storeError("create", err)
		return "", err
	}
	observability.RequestsCreated.Inc()
	c.logger.Info("ride requested", "request_id", id, "customer_id", in.CustomerID, "fare", in.Fare)
	return id, nil
}

// Accept attempts pending -> accepted for driverID. Losing a race is an
// outcome, not an error.
func (c *Coordinator) Accept(ctx context.Context, requestID, driverID string) (models.AcceptResult, error) {
	start := time.Now()
	res, err := c.store.TryAccept(ctx, requestID, driverID)
	observability.AcceptLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		c.storeError("try_accept", err)
		return res, err
	}
	observability.AcceptOutcomes.WithLabelValues(res.String()).Inc()
	c.logger.Info("accept attempted", "request_id", requestID, "driver_id", driverID, "result", res.String())
	if res == models.Accepted {
		c.record(ctx, requestID, models.StatusPending, models.StatusAccepted, driverID)
	}
	return res, nil
}

// Complete is allowed only for the assigned driver of an accepted request.
func (c *Coordinator) Complete(ctx context.Context, requestID, driverID string) (Resolution, error) {
	return c.finish(ctx, requestID, driverID, models.StatusCompleted)
}

// Cancel is allowed for the customer or the assigned driver while the request
// is not terminal.
func (c *Coordinator) Cancel(ctx context.Context, requestID, actorID string) (Resolution, error) {
	return c.finish(ctx, requestID, actorID, models.StatusCanceled)
}

func (c *Coordinator) finish(ctx context.Context, requestID, actorID string, to models.Status) (Resolution, error) {
	before, err := c.store.Get(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return AlreadyResolved, nil
	}
	if err != nil {
		c.storeError("get", err)
		return AlreadyResolved, err
	}
	if before.Status.Terminal() {
		return AlreadyResolved, nil
	}
	r, err := c.store.UpdateStatus(ctx, requestID, actorID, to)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return AlreadyResolved, nil
	case errors.Is(err, storage.ErrIllegalTransition):
		// Someone else may have settled it between the read and the write.
		if cur, gerr := c.store.Get(ctx, requestID); errors.Is(gerr, storage.ErrNotFound) || (gerr == nil && cur.Status.Terminal()) {
			return AlreadyResolved, nil
		}
		return AlreadyResolved, err
	default:
		c.storeError("update_status", err)
		return AlreadyResolved, err
	}
	c.logger.Info("ride finished", "request_id", requestID, "actor_id", actorID, "from", before.Status, "to", r.Status)
	c.record(ctx, requestID, before.Status, r.Status, actorID)
	return Resolved, nil
}

// Cleanup archives or deletes a terminal request according to the configured
// mode. Running it again, or on a request that is already gone, is not an
// error. A request that is still pending or accepted is left untouched and
// ErrIllegalTransition is returned. Only the customer side calls it.
func (c *Coordinator) Cleanup(ctx context.Context, requestID string) error {
	return c.cleanup(ctx, requestID, c.mode)
}

// Archive marks a terminal request archived whatever the configured mode.
// The document stays readable for the customer, who may still be catching up.
func (c *Coordinator) Archive(ctx context.Context, requestID string) error {
	return c.cleanup(ctx, requestID, CleanupArchive)
}

func (c *Coordinator) cleanup(ctx context.Context, requestID string, mode CleanupMode) error {
	var err error
	switch mode {
	case CleanupDelete:
		err = c.store.Delete(ctx, requestID)
	default:
		err = c.store.Archive(ctx, requestID)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.storeError("cleanup", err)
		c.logger.Warn("cleanup failed", "request_id", requestID, "mode", string(mode), "err", err)
	}
	observability.CleanupsTotal.WithLabelValues(string(mode), outcome).Inc()
	return err
}

func (c *Coordinator) record(ctx context.Context, requestID string, from, to models.Status, actorID string) {
	observability.Transitions.WithLabelValues(string(from), string(to)).Inc()
	if c.events == nil {
		return
	}
	t := models.Transition{RequestID: requestID, From: from, To: to, ActorID: actorID, At: c.now()}
	if err := c.events.PublishTransition(ctx, t); err != nil {
		c.logger.Warn("publish transition failed", "request_id", requestID, "to", to, "err", err)
	}
}

func (c *Coordinator) storeError(op string, err error) {
	if errors.Is(err, storage.ErrStoreUnavailable) {
		observability.StoreErrors.WithLabelValues(op).Inc()
	}
}
