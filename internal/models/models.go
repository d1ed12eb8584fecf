package models

import (
	"errors"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether c was never set. (0,0) is in the Gulf of Guinea,
// so no real pickup lands there.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lng == 0 }

func (c Coord) String() string { return fmt.Sprintf("(%.6f,%.6f)", c.Lat, c.Lng) }

// Status is the lifecycle state of a ride request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCanceled }

type Vehicle string

const (
	VehicleBike Vehicle = "bike"
	VehicleCar  Vehicle = "car"
)

type RideRequest struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	DriverID    string    `json:"driver_id,omitempty"`
	Pickup      Coord     `json:"pickup_location"`
	Destination Coord     `json:"destination"`
	Status      Status    `json:"status"`
	Vehicle     Vehicle   `json:"vehicle,omitempty"`
	Fare        int64     `json:"fare,omitempty"`
	Archived    bool      `json:"archived,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var ErrDriverInvariant = errors.New("driver id must be set iff status is not pending")

// Validate checks the driver assignment invariant. A request canceled by its
// customer before any driver accepted it is the one non-pending state left
// without a driver.
func (r *RideRequest) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.Status == StatusCanceled && r.DriverID == "" {
		return nil
	}
	if (r.DriverID == "") != (r.Status == StatusPending) {
		return fmt.Errorf("%w: status=%s driver=%q", ErrDriverInvariant, r.Status, r.DriverID)
	}
	return nil
}

type DriverPresence struct {
	DriverID    string    `json:"driver_id"`
	Location    *Coord    `json:"location,omitempty"`
	IsConnected bool      `json:"is_connected"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AcceptResult is the outcome of a conditional accept. Only Accepted mutates
// the request.
type AcceptResult int

const (
	Accepted AcceptResult = iota
	AlreadyTaken
	NotFound
)

func (a AcceptResult) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case AlreadyTaken:
		return "already_taken"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

func (a AcceptResult) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
)

// Transition is a lifecycle event emitted after a successful state change.
type Transition struct {
	RequestID string    `json:"request_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	At        time.Time `json:"at"`
}

// LocationFix is a single GPS report from a driver device.
type LocationFix struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusCanceled},
	StatusAccepted: {StatusCompleted, StatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the request state
// machine. Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
