package telegram

import (
	"html"
	"strings"

	"foremanbot/internal/transport"
)

// htmlFormatter renders Telegram's HTML parse mode. Every helper escapes
// its input.
type htmlFormatter struct{}

var _ transport.Formatter = htmlFormatter{}

func (htmlFormatter) Bold(s string) string   { return "<b>" + escape(s) + "</b>" }
func (htmlFormatter) Italic(s string) string { return "<i>" + escape(s) + "</i>" }
func (htmlFormatter) Code(s string) string   { return "<code>" + escape(s) + "</code>" }
func (htmlFormatter) Escape(s string) string { return escape(s) }

func (htmlFormatter) Link(label, url string) string {
	return `<a href="` + html.EscapeString(url) + `">` + escape(label) + "</a>"
}

// Telegram only requires &, < and > to be escaped outside attributes.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return escaper.Replace(s) }

// severityPrefix stands in for the embed colour Telegram lacks.
func severityPrefix(s transport.Severity) string {
	switch s {
	case transport.SeveritySuccess:
		return "🟢 "
	case transport.SeverityFailure:
		return "🔴 "
	default:
		return "🟠 "
	}
}
