package bot

import "testing"

func TestResolve(t *testing.T) {
	t.Parallel()
	cases := []struct {
		prefix, text string
		want         Command
		ok           bool
	}{
		{"!", "!status now", CmdStatus, true},
		{"!", "!status", CmdStatus, true},
		{"!", "status", "", false},
		{"!", "!unknown", "", false},
		{"!", "!Status", "", false},
		{"!", "! status", "", false},
		{"!", "!register\t1 key", CmdRegister, true},
		{"!", "", "", false},
		// Adapters strip their own mention; anything left is not a command.
		{"/", "/help@foreman_bot", "", false},
		{"!", "!status@anything", "", false},
		{"/", "/forget extra words", CmdForget, true},
		{"", "status", "", false},
	}
	for _, tc := range cases {
		got, ok := Resolve(tc.prefix, tc.text)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Resolve(%q, %q) = %q, %v; want %q, %v", tc.prefix, tc.text, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCommandTable(t *testing.T) {
	t.Parallel()
	if got := CmdRegister.Key("!"); got != "!register" {
		t.Fatalf("Key = %q", got)
	}
	menu := MenuCommands()
	if len(menu) != len(Commands) {
		t.Fatalf("menu has %d entries, want %d", len(menu), len(Commands))
	}
	for _, c := range Commands {
		if c.Description() == "" {
			t.Fatalf("%s has no description", c)
		}
	}
	if menu[0].Command != "help" {
		t.Fatalf("menu order starts with %q", menu[0].Command)
	}
}
