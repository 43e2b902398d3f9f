package engine

import (
	"errors"
	"fmt"
	"time"
)

// Enqueue and completion errors.
var (
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run still active")
	ErrStale       = errors.New("engine: waited in queue past max delay")
)

// permanent marks an error the engine must not retry, e.g. a Foreman API
// rejecting a session's credentials.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// NoRetry wraps err so the task fails on this attempt. nil stays nil.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// RetryAfterError carries the delay a remote asked for before the next try.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayed struct {
	error
	after time.Duration
}

func (d delayed) Unwrap() error             { return d.error }
func (d delayed) RetryAfter() time.Duration { return d.after }
func (d delayed) Error() string             { return fmt.Sprintf("%v (retry in %s)", d.error, d.after) }

// RetryAfter asks for the next attempt after at least d. The engine still
// caps the delay at RetryMaxDelay.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return delayed{error: err, after: max(d, 0)}
}
