package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"foremanbot/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
)

type chatRecord struct {
	to    transport.ChatTarget
	level zerolog.Level
	line  []byte
}

// chatSink is a zerolog.LevelWriter that posts records to a chat. Writes
// never block: records over the rate or beyond the queue are dropped.
type chatSink struct {
	mu       sync.Mutex
	sender   transport.Adapter
	target   transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan chatRecord
	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatSink() *chatSink {
	return &chatSink{
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan chatRecord, chatQueueSize),
	}
}

func (c *chatSink) setSender(a transport.Adapter) {
	c.mu.Lock()
	c.sender = a
	c.mu.Unlock()
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.target = cfg.Target
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()
	if cfg.Enabled {
		c.start.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.cancel, c.done = cancel, make(chan struct{})
			c.mu.Unlock()
			go c.run(ctx)
		})
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, lim, ready := c.target, c.limiter, c.sender != nil && level >= c.minLevel
	c.mu.Unlock()
	if !ready || to.IsZero() || !lim.Allow() {
		return len(p), nil
	}
	select {
	// p is reused by zerolog once Write returns.
	case c.queue <- chatRecord{to: to, level: level, line: bytes.Clone(p)}:
	default:
	}
	return len(p), nil
}

func (c *chatSink) run(ctx context.Context) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-c.queue:
			c.deliver(ctx, r)
		}
	}
}

func (c *chatSink) deliver(ctx context.Context, r chatRecord) {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return
	}
	sev := transport.SeverityInfo
	if r.level >= zerolog.ErrorLevel {
		sev = transport.SeverityFailure
	}
	ctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
	defer cancel()
	text := sender.Formatter().Code(formatChatJSON(r.line))
	_ = sender.Send(ctx, r.to, transport.OutboundMessage{Text: text, Severity: sev})
}

// formatChatJSON renders a JSON record as "[LEVEL] message" followed by one
// "- key=value" line per field in key order.
func formatChatJSON(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), chatMaxLen)
	}
	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.TimestampFieldName)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), limit))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
