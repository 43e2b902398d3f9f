package bot

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

// Request is one resolved command message.
type Request struct {
	Message *transport.Message
	Command Command
	// Args are the whitespace-separated words after the keyword.
	Args   []string
	ReqID  string
	Logger logx.Logger

	adapter transport.Adapter
}

func newRequest(a transport.Adapter, m *transport.Message, cmd Command, log logx.Logger) *Request {
	rid := uuid.NewString()
	fields := strings.Fields(m.Text)
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	return &Request{
		Message: m,
		Command: cmd,
		Args:    args,
		ReqID:   rid,
		Logger: log.With(
			logx.String("rid", rid),
			logx.String("cmd", string(cmd)),
			logx.String("context", string(m.Context)),
			logx.String("context_id", m.ContextID),
			logx.String("sender_id", m.SenderID),
		),
		adapter: a,
	}
}

// Formatter is the platform markup of the adapter the request came from.
func (r *Request) Formatter() transport.Formatter { return r.adapter.Formatter() }

// Reply sends text back to the chat the command came from. Send failures
// are logged, not returned.
func (r *Request) Reply(ctx context.Context, sev transport.Severity, text string) {
	if err := r.adapter.Send(ctx, r.Message.Chat, transport.OutboundMessage{Text: text, Severity: sev}); err != nil {
		r.Logger.Warn("reply failed", logx.Err(err))
	}
}
