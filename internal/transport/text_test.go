package transport

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := SplitText("short", 10, false); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text: %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := SplitText(long, 10, false)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split: %q", got)
	}

	for _, c := range SplitText(strings.Repeat("x", 25), 10, false) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}

	html := strings.Repeat("a", 7) + "<b>bold</b>"
	parts := SplitText(html, 10, true)
	if parts[0] != strings.Repeat("a", 7) {
		t.Fatalf("html split cut inside tag: %q", parts)
	}
}

func TestChatTargetKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []ChatTarget{
		{ChatID: "-100123"},
		{ChatID: "-100123", ThreadID: 42},
		{ChatID: "998877665544"},
	}
	for _, c := range cases {
		got, err := ParseChatTarget(c.Key())
		if err != nil {
			t.Fatalf("parse %q: %v", c.Key(), err)
		}
		if got != c {
			t.Fatalf("round trip: got %+v want %+v", got, c)
		}
	}

	if _, err := ParseChatTarget(""); err == nil {
		t.Fatalf("expected error for empty target")
	}
	if _, err := ParseChatTarget("1#x"); err == nil {
		t.Fatalf("expected error for bad thread")
	}
}

func TestSplitTextKeepsElementsWhole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"element pushed to next chunk", "abc <b>bold</b> tail", 12, []string{"abc ", "<b>bold</b> ", "tail"}},
		{"oversized element cut at tag", "<b>boldbold</b>", 12, []string{"<b>boldbold", "</b>"}},
		{"balanced chunk untouched", "<i>x</i>yyyyyyy", 10, []string{"<i>x</i>yy", "yyyyy"}},
	}
	for _, tc := range cases {
		got := SplitText(tc.in, tc.limit, true)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
