package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnreachable means the platform reports a delivery target as permanently
// gone (deleted channel, kicked bot, blocked DM).
var ErrUnreachable = errors.New("transport: target unreachable")

// ContextKind tells whether a message arrived in a shared space or a 1:1 chat.
type ContextKind string

const (
	ContextGroup  ContextKind = "group"
	ContextDirect ContextKind = "direct"
)

type Update struct {
	Message    *Message
	ReceivedAt time.Time
}

// Message is a platform-neutral inbound chat message.
type Message struct {
	ID string

	Context ContextKind
	// ContextID identifies the group (guild / group chat) for ContextGroup,
	// and the sender for ContextDirect.
	ContextID string
	// Chat is where replies to this message go.
	Chat ChatTarget

	SenderID    string
	SenderName  string
	SenderIsBot bool

	Text string
}

// ChatTarget addresses one chat (and optionally one forum thread in it).
type ChatTarget struct {
	ChatID   string
	ThreadID int
}

// Key encodes the target as "<chat>" or "<chat>#<thread>".
func (t ChatTarget) Key() string {
	if t.ThreadID == 0 {
		return t.ChatID
	}
	return t.ChatID + "#" + strconv.Itoa(t.ThreadID)
}

func (t ChatTarget) IsZero() bool { return strings.TrimSpace(t.ChatID) == "" }

// ParseChatTarget is the inverse of ChatTarget.Key.
func ParseChatTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, errors.New("transport: empty chat target")
	}
	chat, thread, ok := strings.Cut(s, "#")
	if !ok {
		return ChatTarget{ChatID: chat}, nil
	}
	n, err := strconv.Atoi(thread)
	if err != nil || n < 0 {
		return ChatTarget{}, fmt.Errorf("transport: bad thread in chat target %q", s)
	}
	return ChatTarget{ChatID: chat, ThreadID: n}, nil
}

// Severity drives the accent (embed colour or emoji prefix) of a message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityFailure
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityFailure:
		return "failure"
	default:
		return "info"
	}
}

// OutboundMessage is already formatted with the adapter's Formatter.
type OutboundMessage struct {
	Text     string
	Severity Severity
}

// Notification is one queued outbound message for the notifier.
type Notification struct {
	Target  ChatTarget
	Message OutboundMessage
	// DedupKey suppresses repeated deliveries of the same logical item.
	DedupKey string
}

// Formatter renders inline markup for a platform. Escape must be applied to
// any user- or API-supplied text before it is combined with markup.
type Formatter interface {
	Bold(s string) string
	Italic(s string) string
	Code(s string) string
	Link(label, url string) string
	Escape(s string) string
}

type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, to ChatTarget, msg OutboundMessage) error
	Formatter() Formatter

	// Authorize reports whether the sender may issue commands in the
	// message's context. Direct messages are always allowed.
	Authorize(ctx context.Context, m *Message) (bool, error)
	// Resolve turns a stored delivery target into a sendable chat, returning
	// ErrUnreachable when the platform says it is gone for good.
	Resolve(ctx context.Context, kind ContextKind, target string) (ChatTarget, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
