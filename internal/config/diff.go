package config

import (
	"reflect"

	logx "foremanbot/pkg/logx"
)

// Change describes which sections differ between two configs.
type Change struct {
	Sections []string
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Fields returns log fields for the change. Secrets are never included.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.Any("sections", c.Sections),
		logx.Any("restart_required", c.RestartRequired),
	}
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(name string, changed, restart bool) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, name)
		}
	}

	ob, nb := oldCfg.Bot, newCfg.Bot
	mark("bot.connection", ob.Platform != nb.Platform || ob.Token != nb.Token || ob.PollTimeout != nb.PollTimeout || ob.Activity != nb.Activity, true)
	mark("bot.commands", ob.CommandPrefix != nb.CommandPrefix || ob.CommandTimeout != nb.CommandTimeout || ob.Workers != nb.Workers, false)
	mark("foreman", oldCfg.Foreman != newCfg.Foreman, true)
	mark("notifications", oldCfg.Notifications != newCfg.Notifications, false)
	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler, true)
	mark("logging", oldCfg.Logging != newCfg.Logging, false)
	mark("task_engine", !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine), false)
	mark("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier), false)
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage), true)
	mark("telemetry", !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry), true)
	mark("ops", !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops), false)
	return ch
}
