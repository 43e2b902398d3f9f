package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"foremanbot/internal/foreman"
	"foremanbot/internal/notification"
	"foremanbot/internal/transport"
)

// sectionOrder puts warnings before failures; other statuses follow in
// name order.
var sectionOrder = map[string]int{foreman.StatusWarn: 0, foreman.StatusFail: 1}

var sectionTitles = map[string]string{foreman.StatusWarn: "Warning", foreman.StatusFail: "Failing"}

// Status lists every seen, active miner that is not okay.
func (h *Handlers) Status(sc Scope) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		_, creds, ok, err := h.registered(ctx, sc, req.Message)
		if err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return err
		}
		if !ok {
			req.Reply(ctx, transport.SeverityFailure, msgNotMet)
			return nil
		}

		miners, err := h.api.Miners(ctx, apiCreds(creds))
		if err != nil {
			req.Reply(ctx, transport.SeverityFailure, msgError)
			return fmt.Errorf("list miners: %w", err)
		}
		text, sev := statusMessage(req.Formatter(), h.config().DashboardURL, miners)
		req.Reply(ctx, sev, text)
		return nil
	}
}

func statusMessage(f transport.Formatter, dashboard string, miners []foreman.Miner) (string, transport.Severity) {
	groups := map[string][]foreman.Miner{}
	for _, m := range miners {
		if m.NeedsAttention() {
			groups[m.Status] = append(groups[m.Status], m)
		}
	}
	if len(groups) == 0 {
		return f.Escape("Everything looks okay!"), transport.SeveritySuccess
	}

	statuses := make([]string, 0, len(groups))
	for st := range groups {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		oi, iok := sectionOrder[statuses[i]]
		oj, jok := sectionOrder[statuses[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return statuses[i] < statuses[j]
		}
	})

	sections := make([]string, 0, len(statuses))
	for _, st := range statuses {
		title, ok := sectionTitles[st]
		switch {
		case ok:
		case st == "":
			title = "Unknown"
		default:
			title = strings.ToUpper(st[:1]) + st[1:]
		}
		lines := []string{f.Bold(title)}
		for _, m := range groups[st] {
			lines = append(lines, f.Link(m.Name, notification.MinerURL(dashboard, m.ID)))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	sev := transport.SeverityInfo
	if len(groups[foreman.StatusFail]) > 0 {
		sev = transport.SeverityFailure
	}
	return strings.Join(sections, "\n\n"), sev
}
