// Package reconcile runs the authoritative unread sweep: it recomputes every
// live user's unread aggregate from the store, replaces the engine's
// optimistic state with it and pushes an unread.snapshot event to their
// sessions. This bounds optimistic drift to one sweep interval plus
// in-flight push latency.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatrelay/pkg/config"
	"chatrelay/pkg/fanout"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/notify"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/unread"
)

// Sweeper owns the periodic reconciliation of all live users.
type Sweeper struct {
	cfg        config.ReconcileConfig
	reg        *presence.Registry
	engine     *unread.Engine
	dispatcher *notify.Dispatcher
	router     *fanout.Router
}

func NewSweeper(cfg config.ReconcileConfig, reg *presence.Registry, engine *unread.Engine, dispatcher *notify.Dispatcher, router *fanout.Router) *Sweeper {
	return &Sweeper{cfg: cfg, reg: reg, engine: engine, dispatcher: dispatcher, router: router}
}

// Start launches the sweep scheduler if enabled. A cron expression takes
// priority; otherwise a plain interval ticker (default 30s) is used.
// Returns a cancel func.
func (s *Sweeper) Start(ctx context.Context) (context.CancelFunc, error) {
	if !s.cfg.Enabled {
		logger.Info("reconcile_disabled")
		return func() {}, nil
	}

	ctx2, cancel := context.WithCancel(ctx)
	if s.cfg.Cron != "" {
		if !gronx.IsValid(s.cfg.Cron) {
			cancel()
			logger.Error("reconcile_invalid_cron", "cron", s.cfg.Cron)
			return nil, fmt.Errorf("invalid reconcile cron expression: %s", s.cfg.Cron)
		}
		logger.Info("reconcile_enabled", "cron", s.cfg.Cron)
		go s.runCron(ctx2)
		return cancel, nil
	}

	interval := s.cfg.Interval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger.Info("reconcile_enabled", "interval", interval.String())
	go s.runInterval(ctx2, interval)
	return cancel, nil
}

func (s *Sweeper) runInterval(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// runCron computes the next tick with gronx and sleeps until it; full cron
// syntax supported.
func (s *Sweeper) runCron(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.cfg.Cron, now, false)
		if err != nil {
			logger.Error("reconcile_nexttick_failed", "cron", s.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			s.RunOnce()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			s.RunOnce()
		case <-ctx.Done():
			logger.Info("reconcile_scheduler_stopping")
			return
		}
	}
}

// RunOnce sweeps every user with at least one live session. Fetch failures
// skip the user; their optimistic state stays until the next sweep.
func (s *Sweeper) RunOnce() {
	users := s.reg.Users()
	for _, u := range users {
		snap, err := s.engine.Reconcile(u)
		if err != nil {
			logger.Warn("reconcile_user_failed", "user", u, "error", err)
			continue
		}
		if _, err := s.dispatcher.Reconcile(u); err != nil {
			logger.Warn("reconcile_notifications_failed", "user", u, "error", err)
		}
		s.router.PushSnapshot(u, snap)
	}
	if len(users) > 0 {
		logger.Debug("reconcile_sweep_done", "users", len(users))
	}
}
