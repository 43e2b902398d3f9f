// Package bot turns inbound chat messages into command handler calls.
package bot

import (
	"strings"

	"foremanbot/internal/transport"
)

// Command is one keyword of the static command table.
type Command string

const (
	CmdHelp     Command = "help"
	CmdStart    Command = "start"
	CmdRegister Command = "register"
	CmdTest     Command = "test"
	CmdForget   Command = "forget"
	CmdStatus   Command = "status"
)

// Commands lists the table in help order.
var Commands = []Command{CmdHelp, CmdStart, CmdRegister, CmdTest, CmdForget, CmdStatus}

var descriptions = map[Command]string{
	CmdHelp:     "Displays a help menu",
	CmdStart:    "Begins the bot setup process",
	CmdRegister: "Registers the bot with new API credentials. Notifications will be sent to the channel where the registration was performed.",
	CmdTest:     "Tests connectivity with the Foreman API",
	CmdForget:   "Stops the bot from notifying you",
	CmdStatus:   "Displays the current non-okay status for each miner in Foreman",
}

func (c Command) Description() string { return descriptions[c] }

// Key is the text a user types to run c.
func (c Command) Key(prefix string) string { return prefix + string(c) }

// Resolve maps raw message text to a command. Text without the prefix, or
// whose first word is not a known keyword, resolves to nothing. Matching is
// case-sensitive.
func Resolve(prefix, text string) (Command, bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", false
	}
	word, _, _ := strings.Cut(strings.TrimPrefix(text, prefix), " ")
	if i := strings.IndexAny(word, "\t\r\n"); i >= 0 {
		word = word[:i]
	}
	c := Command(word)
	if _, ok := descriptions[c]; !ok {
		return "", false
	}
	return c, true
}

// MenuCommands is the table in the shape platform command menus take.
func MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(Commands))
	for _, c := range Commands {
		out = append(out, transport.BotCommand{Command: string(c), Description: c.Description()})
	}
	return out
}
