package notification

import (
	"fmt"
	"strings"

	"foremanbot/internal/foreman"
	"foremanbot/internal/transport"
)

// MinerURL is the dashboard page of one miner.
func MinerURL(dashboard string, minerID int) string {
	return fmt.Sprintf("%s/dashboard/miners/%d/details/", strings.TrimRight(dashboard, "/"), minerID)
}

// DashboardURL is the dashboard landing page.
func DashboardURL(dashboard string) string {
	return strings.TrimRight(dashboard, "/") + "/dashboard/"
}

// Render formats one Foreman notification. At most maxFailing miners are
// listed; the rest are summarized with a link to the dashboard.
func Render(f transport.Formatter, dashboard string, maxFailing int, n foreman.Notification) transport.OutboundMessage {
	var b strings.Builder
	b.WriteString(f.Bold(n.Subject))

	if len(n.FailingMiners) == 0 {
		return transport.OutboundMessage{Text: b.String(), Severity: transport.SeveritySuccess}
	}

	b.WriteString("\n\n")
	shown := n.FailingMiners
	if maxFailing > 0 && len(shown) > maxFailing {
		shown = shown[:maxFailing]
	}
	for _, m := range shown {
		b.WriteString(f.Link(m.Miner, MinerURL(dashboard, m.MinerID)))
		b.WriteString("\n")
		for _, d := range m.Diagnosis {
			b.WriteString(f.Escape(d))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if rest := len(n.FailingMiners) - len(shown); rest > 0 {
		b.WriteString("\n\n")
		b.WriteString(f.Italic(fmt.Sprintf("...and %d more", rest)))
		b.WriteString("\n\n")
		b.WriteString(f.Escape("Head to ") + f.Link("your dashboard", DashboardURL(dashboard)) + f.Escape(" to see the rest"))
	}
	return transport.OutboundMessage{Text: strings.TrimRight(b.String(), "\n"), Severity: transport.SeverityFailure}
}
