package notifier

import (
	"context"
	"time"

	"foremanbot/internal/transport"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Sender delivers one formatted message. transport.Adapter satisfies it.
type Sender interface {
	Send(ctx context.Context, to transport.ChatTarget, msg transport.OutboundMessage) error
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Target string    `json:"target"`
	Key    string    `json:"key,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// NotificationEvent is the payload of notifier.* bus events.
type NotificationEvent struct {
	Target string    `json:"target"`
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled bool          `json:"enabled"`
	Workers int           `json:"workers"`
	Queued  int           `json:"queued"`
	Sent    uint64        `json:"sent"`
	Failed  uint64        `json:"failed"`
	Deduped uint64        `json:"deduped"`
	Dropped uint64        `json:"dropped"`
	History []HistoryItem `json:"history"`
}
