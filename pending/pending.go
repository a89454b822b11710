// Package pending correlates asynchronous requests with their responses.
// Every entry is removed exactly once: by Resolve, by its deadline, by
// Cancel or by the waiter giving up.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/toolhub/errors"
	"go.uber.org/zap"
)

type entry[T any] struct {
	label    string
	deadline time.Time
	ch       chan T        // buffered, receives at most one value
	expired  chan struct{} // closed when swept or cancelled
	cause    error         // set before expired is closed
}

// Tracker is a map of in-flight requests keyed by id.
type Tracker[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	logger  *zap.Logger
	now     func() time.Time
}

// Request is the waiting side of one tracked entry.
type Request[T any] struct {
	ID string

	tracker *Tracker[T]
	e       *entry[T]
}

func NewTracker[T any](logger *zap.Logger) *Tracker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker[T]{entries: make(map[string]*entry[T]), logger: logger, now: time.Now}
}

// Create registers a new entry that expires after timeout. label only
// appears in logs.
func (t *Tracker[T]) Create(label string, timeout time.Duration) *Request[T] {
	e := &entry[T]{
		label:    label,
		deadline: t.now().Add(timeout),
		ch:       make(chan T, 1),
		expired:  make(chan struct{}),
	}
	id := uuid.NewString()

	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
	return &Request[T]{ID: id, tracker: t, e: e}
}

// Resolve delivers v to the waiter of id. Unknown, expired and already
// resolved ids are logged and ignored.
func (t *Tracker[T]) Resolve(id string, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		t.logger.Warn("ignoring response for unknown or settled request", zap.String("request_id", id))
		return false
	}
	delete(t.entries, id)
	e.ch <- v
	return true
}

// Cancel drops id without a value. The waiter gets ErrUnknownRequest.
func (t *Tracker[T]) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)
	e.cause = errors.ErrUnknownRequest
	close(e.expired)
	return true
}

// Sweep removes every entry whose deadline is before now and wakes its
// waiter. It returns the number removed.
func (t *Tracker[T]) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if now.Before(e.deadline) {
			continue
		}
		delete(t.entries, id)
		e.cause = errors.ErrTimeout
		close(e.expired)
		n++
		t.logger.Debug("request expired", zap.String("request_id", id), zap.String("label", e.label))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (t *Tracker[T]) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Len reports how many entries are in flight.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Pending reports whether id is still in flight.
func (t *Tracker[T]) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Wait blocks until the request is resolved, its deadline passes or ctx is
// done. On every path the entry is gone when Wait returns.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	timer := time.NewTimer(time.Until(r.e.deadline))
	defer timer.Stop()

	select {
	case v := <-r.e.ch:
		return v, nil
	case <-r.e.expired:
		return r.settle(r.e.cause)
	case <-timer.C:
		return r.settle(errors.ErrTimeout)
	case <-ctx.Done():
		return r.settle(ctx.Err())
	}
}

// settle removes the entry if it is still present. A value that raced in
// before removal wins over err.
func (r *Request[T]) settle(err error) (T, error) {
	t := r.tracker
	t.mu.Lock()
	if cur, ok := t.entries[r.ID]; ok && cur == r.e {
		delete(t.entries, r.ID)
	}
	t.mu.Unlock()

	select {
	case v := <-r.e.ch:
		return v, nil
	default:
		var zero T
		return zero, err
	}
}
