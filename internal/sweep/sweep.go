// Package sweep runs the periodic poll-and-notify pass over every
// registered session.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/foreman"
	"foremanbot/internal/notification"
	"foremanbot/internal/session"
	"foremanbot/internal/task/engine"
	logx "foremanbot/pkg/logx"
)

// JobName is the scheduler entry the sweep runs under.
const JobName = "notifications.sweep"

var tracer = otel.Tracer("foremanbot/internal/sweep")

// Deliverer is implemented by *notification.Engine.
type Deliverer interface {
	Deliver(ctx context.Context, s session.Session) (notification.Result, error)
}

// Submitter is implemented by *engine.Service.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Report summarizes one sweep.
type Report struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	// Eligible is the number of registered sessions found.
	Eligible  int `json:"eligible"`
	Delivered int `json:"delivered"`
	Messages  int `json:"messages"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Removed   int `json:"removed"`
}

type Sweeper struct {
	store   *session.Store
	deliver Deliverer
	tasks   Submitter
	bus     eventbus.Bus
	log     logx.Logger

	mu             sync.Mutex
	sessionTimeout time.Duration
	last           Report
	hasLast        bool
}

func New(store *session.Store, deliver Deliverer, tasks Submitter, bus eventbus.Bus, log logx.Logger, sessionTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:          store,
		deliver:        deliver,
		tasks:          tasks,
		bus:            bus,
		log:            log.With(logx.String("comp", "sweep")),
		sessionTimeout: sessionTimeout,
	}
}

// SetSessionTimeout bounds each per-session delivery. Zero means the engine
// default.
func (s *Sweeper) SetSessionTimeout(d time.Duration) {
	s.mu.Lock()
	s.sessionTimeout = d
	s.mu.Unlock()
}

// Last returns the most recent report.
func (s *Sweeper) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Run is the scheduler job. Per-session failures are reported, not
// returned; only a sweep that could list nothing fails.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep delivers pending notifications for every registered session, one
// engine task each, and waits for all of them.
func (s *Sweeper) Sweep(ctx context.Context) (rep Report, err error) {
	rep = Report{ID: uuid.NewString(), Started: time.Now()}
	ctx, span := tracer.Start(ctx, "sweep")
	span.SetAttributes(attribute.String("sweep.id", rep.ID))
	defer func() {
		rep.Duration = time.Since(rep.Started)
		span.SetAttributes(
			attribute.Int("sweep.eligible", rep.Eligible),
			attribute.Int("sweep.messages", rep.Messages),
			attribute.Int("sweep.failed", rep.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.finish(rep, err)
	}()

	sessions, err := s.eligible(ctx)
	if err != nil {
		return rep, err
	}
	rep.Eligible = len(sessions)
	if len(sessions) == 0 {
		return rep, nil
	}

	s.mu.Lock()
	timeout := s.sessionTimeout
	s.mu.Unlock()

	sweepID := rep.ID
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		counts Report
	)
	tally := func(sess session.Session, res notification.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case errors.Is(err, engine.ErrOverlapSkip):
			counts.Skipped++
		case err != nil:
			counts.Failed++
			s.log.Warn("session delivery failed",
				logx.String("sweep", sweepID),
				logx.String("kind", string(sess.Kind())),
				logx.String("id", sess.ID()),
				logx.Err(err),
			)
		case res.Removed:
			counts.Removed++
		case res.Skipped:
			counts.Skipped++
		default:
			counts.Delivered++
			counts.Messages += res.Messages
		}
	}
	collect := func() {
		mu.Lock()
		defer mu.Unlock()
		rep.Delivered, rep.Messages = counts.Delivered, counts.Messages
		rep.Failed, rep.Skipped, rep.Removed = counts.Failed, counts.Skipped, counts.Removed
	}

	for i, sess := range sessions {
		name := "deliver:" + session.Key(sess)
		var res notification.Result
		wg.Add(1)
		err := s.tasks.Submit(ctx, engine.Task{
			Name:    name,
			Key:     name,
			Timeout: timeout,
			Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: 1},
			Run: func(ctx context.Context) error {
				r, err := s.deliver.Deliver(ctx, sess)
				res = r
				return retryable(err)
			},
			Done: func(err error) {
				defer wg.Done()
				tally(sess, res, err)
			},
		})
		if err == nil {
			continue
		}
		wg.Done()
		tally(sess, notification.Result{}, err)
		if errors.Is(err, engine.ErrOverlapSkip) {
			continue
		}
		// Engine stopping or ctx done: the rest cannot be submitted either.
		mu.Lock()
		counts.Failed += len(sessions) - i - 1
		mu.Unlock()
		break
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		collect()
		return rep, nil
	case <-ctx.Done():
		collect()
		return rep, fmt.Errorf("sweep interrupted: %w", ctx.Err())
	}
}

// eligible lists registered sessions of both kinds. A listing failure on one
// kind is logged and the other still runs.
func (s *Sweeper) eligible(ctx context.Context) ([]session.Session, error) {
	var (
		out  []session.Session
		errs []error
	)
	for _, kind := range []session.Kind{session.KindGroup, session.KindDirect} {
		all, err := s.store.FindAll(ctx, kind)
		if err != nil {
			s.log.Error("list sessions failed", logx.String("kind", string(kind)), logx.Err(err))
			errs = append(errs, fmt.Errorf("list %s sessions: %w", kind, err))
			continue
		}
		for _, sess := range all {
			if session.Registered(sess) {
				out = append(out, sess)
			}
		}
	}
	if len(errs) == 2 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (s *Sweeper) finish(rep Report, err error) {
	s.mu.Lock()
	s.last, s.hasLast = rep, true
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("sweep", rep.ID),
		logx.Int("eligible", rep.Eligible),
		logx.Int("delivered", rep.Delivered),
		logx.Int("messages", rep.Messages),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("removed", rep.Removed),
		logx.Duration("took", rep.Duration),
	}
	switch {
	case err != nil:
		s.log.Error("sweep failed", append(fields, logx.Err(err))...)
	case rep.Failed > 0:
		s.log.Warn("sweep finished with failures", fields...)
	case rep.Eligible > 0:
		s.log.Info("sweep finished", fields...)
	default:
		s.log.Debug("sweep finished", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepFinished, Data: rep})
	}
}

// retryable lets a delivery the Foreman API throttled run once more after
// the delay it asked for (capped by the engine). Any other failure waits
// for the next sweep.
func retryable(err error) error {
	var se *foreman.StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return engine.RetryAfter(err, se.RetryAfter)
	}
	return engine.NoRetry(err)
}
