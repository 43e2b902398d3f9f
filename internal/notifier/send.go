package notifier

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"foremanbot/internal/eventbus"
	"foremanbot/internal/transport"
	logx "foremanbot/pkg/logx"
)

type job struct {
	n transport.Notification
}

// shardFor keeps every message for one target on one worker.
func shardFor(t transport.ChatTarget, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t.Key()))
	return int(h.Sum32() % uint32(n))
}

// work drains q until it is closed or ctx ends.
func (s *Service) work(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j.n)
		}
	}
}

func (s *Service) deliver(ctx context.Context, n transport.Notification) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	log := s.log.With(logx.String("target", n.Target.Key()), logx.String("key", n.DedupKey))
	if sender == nil {
		s.dedup.release(n.DedupKey)
		log.Warn("notification dropped, no sender")
		return
	}

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; ; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			break
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = sender.Send(sctx, n.Target, n.Message)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.history.add(n, nil)
			s.dedup.persist(ctx, n.DedupKey, cfg)
			s.publish(eventbus.NotifierSent, n, nil)
			return
		}
		log.Debug("send attempt failed", logx.Int("attempt", attempt), logx.Int("of", attempts), logx.Err(err))
		if errors.Is(err, transport.ErrUnreachable) || attempt >= attempts {
			break
		}
		if err = sleepCtx(ctx, backoff(cfg, attempt)); err != nil {
			break
		}
	}

	s.dedup.release(n.DedupKey)
	s.failed.Add(1)
	s.history.add(n, err)
	log.Warn("notification not delivered", logx.Err(err))
	s.publish(eventbus.NotifierFailed, n, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff doubles RetryBase per attempt up to RetryMaxDelay, with +-30%
// jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 20)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}
