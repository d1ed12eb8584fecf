package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotAssigned       = errors.New("actor is not a party to this request")
	ErrConflict          = errors.New("too much write contention")
)

// Subscription is a live registration for change notifications. No callback
// is started after Unsubscribe returns. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// NewRequest carries the creation-time fields of a ride request.
type NewRequest struct {
	CustomerID  string
	Pickup      models.Coord
	Destination models.Coord
	Vehicle     models.Vehicle
	Fare        int64
}

// RequestStore persists RideRequest documents and notifies subscribers of
// every committed change.
//
// Subscription callbacks for one subscription run sequentially, in commit
// order. A nil request passed to a request subscriber means the document no
// longer exists. After onError fires the subscription is dead; the store does
// not retry on its own.
type RequestStore interface {
	Create(ctx context.Context, in NewRequest) (string, error)
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	SubscribeRequest(ctx context.Context, id string, onChange func(*models.RideRequest), onError func(error)) (Subscription, error)
	SubscribePending(ctx context.Context, onChange func([]models.RideRequest), onError func(error)) (Subscription, error)

	// TryAccept moves a pending request to accepted in a single atomic
	// conditional write. Losing racers get AlreadyTaken.
	TryAccept(ctx context.Context, id, driverID string) (models.AcceptResult, error)
	// UpdateStatus applies completed or canceled. It never writes accepted.
	UpdateStatus(ctx context.Context, id, actorID string, to models.Status) (*models.RideRequest, error)
	// Delete and Archive only apply to completed or canceled requests and
	// return ErrIllegalTransition otherwise. A missing request is not an error.
	Delete(ctx context.Context, id string) error
	Archive(ctx context.Context, id string) error
	ListByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error)
}

// DriverPresenceStore holds one connectivity and location document per driver.
type DriverPresenceStore interface {
	EnsureExists(ctx context.Context, driverID string) error
	SetConnected(ctx context.Context, driverID string, connected bool) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error)
	SubscribePresence(ctx context.Context, driverID string, onChange func(*models.DriverPresence), onError func(error)) (Subscription, error)
}

// Backend is a complete document store.
type Backend interface {
	RequestStore
	DriverPresenceStore
	Ping(ctx context.Context) error
	Close() error
}

func validateNew(in NewRequest) error {
	if in.CustomerID == "" {
		return errors.New("customer id is required")
	}
	if in.Pickup.IsZero() || in.Destination.IsZero() {
		return errors.New("pickup and destination are required")
	}
	return nil
}

func newDocument(id string, in NewRequest, now time.Time) models.RideRequest {
	return models.RideRequest{
		ID:          id,
		CustomerID:  in.CustomerID,
		Pickup:      in.Pickup,
		Destination: in.Destination,
		Status:      models.StatusPending,
		Vehicle:     in.Vehicle,
		Fare:        in.Fare,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// applyStatus validates a completed/canceled update against r and applies it
// in place. Backends call it while holding whatever guards the document.
func applyStatus(r *models.RideRequest, actorID string, to models.Status, now time.Time) error {
	if to != models.StatusCompleted && to != models.StatusCanceled {
		return fmt.Errorf("%w: %s cannot be written directly", ErrIllegalTransition, to)
	}
	if !models.CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Status, to)
	}
	switch to {
	case models.StatusCompleted:
		if actorID != r.DriverID {
			return fmt.Errorf("%w: only the assigned driver completes a ride", ErrNotAssigned)
		}
	case models.StatusCanceled:
		if actorID != "" && actorID != r.CustomerID && actorID != r.DriverID {
			return ErrNotAssigned
		}
	}
	r.Status = to
	r.UpdatedAt = now
	r.Version++
	return nil
}

// accept applies the pending -> accepted precondition and write.
func accept(r *models.RideRequest, driverID string, now time.Time) models.AcceptResult {
	if r.Status != models.StatusPending || r.DriverID != "" {
		return models.AlreadyTaken
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	r.UpdatedAt = now
	r.Version++
	return models.Accepted
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

var errUnchanged = errors.New("unchanged")

func deletable(r *models.RideRequest) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete a %s request", ErrIllegalTransition, r.Status)
	}
	return nil
}

func archive(r *models.RideRequest, now time.Time) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: cannot archive a %s request", ErrIllegalTransition, r.Status)
	}
	if r.Archived {
		return errUnchanged
	}
	r.Archived = true
	r.UpdatedAt = now
	r.Version++
	return nil
}
