package transport

import (
	"context"
	"fmt"
	"time"
)

// maxReconnectAttempts and reconnectBackoffUnit implement the client-side
// reconnection policy: attempt N waits N*reconnectBackoffUnit before dialing,
// giving backoffs of 2s, 4s, 6s, 8s, 10s.
const (
	maxReconnectAttempts = 5
	reconnectBackoffUnit = 2 * time.Second
)

// Dialer opens a new transport connection, returning nil on success or the
// dial error. Implemented by whatever owns the actual websocket.Dialer in
// the running process.
type Dialer interface {
	Dial(ctx context.Context) error
}

// ReconnectLoop drives a peer's client-side reconnection attempts after an
// unexpected disconnect, mirroring the scheduled-timer-with-cancel-on-success
// shape the room registry uses for its cleanup grace period.
type ReconnectLoop struct {
	dialer Dialer
}

// NewReconnectLoop wraps dialer in a bounded-retry reconnection policy.
func NewReconnectLoop(dialer Dialer) *ReconnectLoop {
	return &ReconnectLoop{dialer: dialer}
}

// Run attempts up to maxReconnectAttempts dials, waiting attempt*2s between
// each, and returns nil on the first success or an error once attempts are
// exhausted. ctx cancellation aborts the loop immediately.
func (r *ReconnectLoop) Run(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * reconnectBackoffUnit):
		}

		if err := r.dialer.Dial(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	return fmt.Errorf("transport: reconnection failed after %d attempts: %w", maxReconnectAttempts, lastErr)
}
