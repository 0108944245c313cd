package pipeline

import (
	"context"

	"github.com/ValerySidorin/acheron/pkg/dispatcher"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

// Sweeper sends envelopes again whose transition was recorded but whose
// dispatch was never confirmed, such as after a crash between the two.
type Sweeper struct {
	services.Service

	cfg SweeperConfig
	log log.Logger
	p   *Pipeline
}

func NewSweeper(cfg SweeperConfig, p *Pipeline, logger log.Logger) *Sweeper {
	s := &Sweeper{
		cfg: cfg,
		log: log.With(logger, "service", "sweeper"),
		p:   p,
	}

	s.Service = services.NewTimerService(cfg.Interval, nil, s.iteration, nil)
	return s
}

func (s *Sweeper) iteration(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		_ = level.Error(s.log).Log("msg", err.Error())
	}
	return nil
}

// Sweep re-dispatches stale outbox entries and returns how many were sent.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	envs, err := s.p.tracker.ListOutbox(ctx, s.p.now().Add(-s.cfg.StaleAfter), s.cfg.Limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, env := range envs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		out, err := s.p.dispatcher.Dispatch(ctx, env)
		if err != nil {
			_ = level.Error(s.log).Log("msg", "re-dispatch failed", "item", env.String(), "err", err)
			continue
		}
		if out == dispatcher.Dispatched {
			sent++
		}
	}

	if len(envs) > 0 {
		_ = level.Info(s.log).Log("msg", "outbox swept", "pending", len(envs), "sent", sent)
	}
	return sent, nil
}
