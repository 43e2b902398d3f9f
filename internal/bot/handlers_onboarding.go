package bot

import (
	"context"
	"strings"

	"foremanbot/internal/transport"
)

// Start sends the onboarding walkthrough.
func (h *Handlers) Start(ctx context.Context, req *Request) error {
	req.Reply(ctx, transport.SeverityInfo, h.startText(req.Formatter()))
	return nil
}

func (h *Handlers) startText(f transport.Formatter) string {
	cfg := h.config()
	var b strings.Builder
	b.WriteString(f.Escape("Hello! I'm ") + f.Bold("Todd") + f.Escape(", the Foreman "+cfg.Platform+" notification bot. 👋") + "\n\n")
	b.WriteString(f.Escape("Based on ") + f.Link("triggers", cfg.DashboardURL+"/dashboard/triggers/") +
		f.Escape(" you create on your dashboard, I'll send you notifications when things happen.") + "\n\n")
	b.WriteString(f.Escape("Let's get introduced:") + "\n\n")
	b.WriteString(f.Escape("1. Go ") + f.Link("here", cfg.DashboardURL+"/dashboard/profile/") +
		f.Escape(" get your ") + f.Bold("client id") + f.Escape(" and ") + f.Bold("API key") + "\n")
	b.WriteString(f.Escape("2. Once you have them, run: ") + f.Code(CmdRegister.Key(cfg.Prefix)+" <client_id> <api_key>") + "\n")
	b.WriteString(f.Escape("3. That's it! 🍻 Then I'll send your notifications to this channel.") + "\n\n")
	b.WriteString(f.Escape("If you want them to happen somewhere else, re-run the register above in the channel where you want to be notified."))
	return b.String()
}

// Help lists every command with its description.
func (h *Handlers) Help(ctx context.Context, req *Request) error {
	f := req.Formatter()
	prefix := h.config().Prefix
	var b strings.Builder
	b.WriteString(f.Escape("Sure...here's what I can do for ya:") + "\n\n")
	for _, c := range Commands {
		b.WriteString(f.Bold(c.Key(prefix)) + "\n" + f.Escape(c.Description()) + "\n\n")
	}
	req.Reply(ctx, transport.SeverityInfo, strings.TrimRight(b.String(), "\n"))
	return nil
}
