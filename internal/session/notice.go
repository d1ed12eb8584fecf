package session

import (
	"log/slog"
)

type NoticeKind string

const (
	NoticeRequestTaken  NoticeKind = "request_taken"
	NoticeStoreError    NoticeKind = "store_error"
	NoticeTripCompleted NoticeKind = "trip_completed"
	NoticeTripCanceled  NoticeKind = "trip_canceled"
	// NoticeTripEnded reports a ride whose document disappeared before its
	// final status could be read.
	NoticeTripEnded  NoticeKind = "trip_ended"
	NoticeValidation NoticeKind = "validation"
)

// Notice is a user-visible, dismissible message. Retryable notices describe
// a condition the session is already recovering from or the user may retry.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	UserID    string     `json:"user_id"`
	RequestID string     `json:"request_id,omitempty"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

// Notifier delivers notices to the user. Notify is called from the session
// loop and must not block.
type Notifier interface {
	Notify(n Notice)
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notice) {
	l.Logger.Info("notice", "kind", string(n.Kind), "user_id", n.UserID, "request_id", n.RequestID, "message", n.Message, "retryable", n.Retryable)
}

// ChanNotifier buffers notices on a channel. Notices are dropped when the
// buffer is full.
type ChanNotifier struct {
	C chan Notice
}

func NewChanNotifier(size int) *ChanNotifier {
	return &ChanNotifier{C: make(chan Notice, size)}
}

func (c *ChanNotifier) Notify(n Notice) {
	select {
	case c.C <- n:
	default:
	}
}

// Multi fans a notice out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, x := range m {
		x.Notify(n)
	}
}
