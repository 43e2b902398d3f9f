package discord

import (
	"strings"

	"foremanbot/internal/transport"
)

// markdownFormatter renders Discord markdown.
type markdownFormatter struct{}

var _ transport.Formatter = markdownFormatter{}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"~", `\~`,
	"`", "\\`",
	"|", `\|`,
	">", `\>`,
	"[", `\[`,
	"]", `\]`,
)

func (markdownFormatter) Escape(s string) string   { return escaper.Replace(s) }
func (f markdownFormatter) Bold(s string) string   { return "**" + f.Escape(s) + "**" }
func (f markdownFormatter) Italic(s string) string { return "*" + f.Escape(s) + "*" }

// Code cannot escape inside backticks, so backticks are dropped.
func (markdownFormatter) Code(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "") + "`"
}

func (f markdownFormatter) Link(label, url string) string {
	url = strings.NewReplacer("(", "%28", ")", "%29", " ", "%20").Replace(url)
	return "[" + f.Escape(label) + "](" + url + ")"
}

const (
	colorInfo    = 0xFFC800
	colorSuccess = 0x00FF00
	colorFailure = 0xFF0000
)

func severityColor(s transport.Severity) int {
	switch s {
	case transport.SeveritySuccess:
		return colorSuccess
	case transport.SeverityFailure:
		return colorFailure
	default:
		return colorInfo
	}
}
