package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls how tasks run. The scheduler only decides when.
type Config struct {
	// Workers is at least minWorkers so a task that waits on other tasks
	// (the notification sweep) cannot starve them.
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops tasks that waited longer than this. 0 keeps them.
	MaxQueueDelay time.Duration

	HistorySize   int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

const minWorkers = 2

func (c Config) withDefaults() Config {
	c.Workers = max(c.Workers, minWorkers)
	c.RetryMax = max(c.RetryMax, 0)
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops a task while another with the same gate
	// is queued or running.
	OverlapSkipIfRunning
)

// TaskOptions tune one task. Zero values inherit from Config; a negative
// RetryMax disables retries.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	o.RetryMax = max(o.RetryMax, 0)
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState is an overlap gate. It is held from enqueue until the run
// finishes, so a queued copy counts as running. A nil *RunState never
// blocks.
type RunState struct {
	held atomic.Bool
}

func (s *RunState) tryAcquire() bool {
	return s == nil || s.held.CompareAndSwap(false, true)
}

func (s *RunState) release() {
	if s != nil {
		s.held.Store(false)
	}
}

// Running reports whether the gate is held.
func (s *RunState) Running() bool {
	return s != nil && s.held.Load()
}

// TaskEvent describes one task outcome. It is the payload of task.* bus
// events and the element of the engine history.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type HistoryItem = TaskEvent

// Task is a unit of work.
//
// With OverlapSkipIfRunning the task is gated on State, or on a gate shared
// by every task with the same Key (Name when Key is empty).
//
// Done, if set, runs exactly once for every accepted task with its final
// error: the run result, ErrStale, or ErrStopped for tasks discarded at
// shutdown. Tasks rejected by Enqueue or Submit never see Done.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
	Done    func(err error)
}

type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Skipped          uint64 `json:"skipped"`
	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	History []HistoryItem `json:"history"`
}
