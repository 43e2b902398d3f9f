package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/task/engine"
	logx "foremanbot/pkg/logx"
)

// Config is the scheduler's reloadable settings. An empty Timezone means
// local time.
type Config struct {
	Timezone string
}

// Jobs run through the engine, so their options are the engine's.
type (
	TaskOptions = engine.TaskOptions
)

const OverlapSkipIfRunning = engine.OverlapSkipIfRunning

type jobFunc func(ctx context.Context) error

// scheduleDef is one registered job. spec is always in cron form; intervals
// are stored as "@every <d>".
type scheduleDef struct {
	id, name, spec string

	initialDelay time.Duration
	timeout      time.Duration
	opt          TaskOptions
	job          jobFunc

	entryID cron.EntryID
	// state survives Reschedule so overlap gating spans the swap.
	state *engine.RunState
}

// Service fires registered schedules and submits each tick to the engine.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	engine *engine.Service
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	defs []scheduleDef

	warnMu sync.Mutex
	warned map[string]time.Time
}
