package session

import (
	"context"
	"time"

	"github.com/example/ride-lifecycle/internal/observability"
	"github.com/example/ride-lifecycle/internal/storage"
)

type subscribeFunc[T any] func(ctx context.Context, onChange func(T), onError func(error)) (storage.Subscription, error)

// feed owns at most one live store subscription on behalf of a session and
// re-establishes it with backoff after it dies. All methods run on the loop.
//
// Every (re)open bumps gen; callbacks carry the gen they were opened with and
// are dropped if it no longer matches, so a replaced subscription can never
// deliver into the session.
type feed[T any] struct {
	kind      string
	l         *loop
	ctx       context.Context
	backoff   Backoff
	subscribe subscribeFunc[T]
	onChange  func(T)
	onDown    func(err error, retryIn time.Duration)

	wanted  bool
	gen     uint64
	sub     storage.Subscription
	timer   *time.Timer
	attempt int
}

func newFeed[T any](kind string, l *loop, ctx context.Context, b Backoff, onChange func(T), onDown func(error, time.Duration)) *feed[T] {
	return &feed[T]{kind: kind, l: l, ctx: ctx, backoff: b, onChange: onChange, onDown: onDown}
}

// start replaces whatever subscription the feed holds with a fresh one.
func (f *feed[T]) start(subscribe subscribeFunc[T]) {
	f.subscribe = subscribe
	f.wanted = true
	f.attempt = 0
	f.open()
}

func (f *feed[T]) stop() {
	f.wanted = false
	f.attempt = 0
	f.release()
}

func (f *feed[T]) active() bool { return f.wanted }

func (f *feed[T]) release() {
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
		observability.SubscriptionsActive.WithLabelValues(f.kind).Dec()
	}
}

func (f *feed[T]) open() {
	f.release()
	g := f.gen
	subscribe, ctx, l := f.subscribe, f.ctx, f.l
	go func() {
		sub, err := subscribe(ctx,
			func(v T) {
				l.post(func() {
					if f.gen == g {
						f.onChange(v)
					}
				})
			},
			func(err error) { l.post(func() { f.down(g, err) }) },
		)
		if !l.post(func() { f.opened(g, sub, err) }) && sub != nil {
			sub.Unsubscribe()
		}
	}()
}

func (f *feed[T]) opened(g uint64, sub storage.Subscription, err error) {
	if g != f.gen {
		if sub != nil {
			sub.Unsubscribe()
		}
		return
	}
	if err != nil {
		f.down(g, err)
		return
	}
	f.sub = sub
	f.attempt = 0
	observability.SubscriptionsActive.WithLabelValues(f.kind).Inc()
}

func (f *feed[T]) down(g uint64, err error) {
	if g != f.gen || !f.wanted {
		return
	}
	f.release()
	delay := f.backoff.Delay(f.attempt)
	f.attempt++
	observability.ResubscribeAttempts.WithLabelValues(f.kind).Inc()
	if f.onDown != nil {
		f.onDown(err, delay)
	}
	retry := f.gen
	f.timer = time.AfterFunc(delay, func() {
		f.l.post(func() {
			if f.gen == retry && f.wanted {
				f.open()
			}
		})
	})
}
