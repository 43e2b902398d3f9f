package telegram

import (
	"context"
	"fmt"
	"hash/fnv"

	tele "gopkg.in/telebot.v4"

	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

// maxCommandDescription is Telegram's limit for a BotCommand description.
const maxCommandDescription = 256

// buildMenu converts cmds to telebot commands, skipping blanks, and
// returns a hash of the result.
func buildMenu(cmds []transport.BotCommand) ([]tele.Command, uint64) {
	h := fnv.New64a()
	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if r := []rune(desc); len(r) > maxCommandDescription {
			desc = string(r[:maxCommandDescription])
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: desc})
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, desc)
	}
	return menu, h.Sum64()
}

// UpdateMenuCommands calls setMyCommands only when the list changed since
// the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	menu, sum := buildMenu(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
