// Package cron drives the periodic work: per-user detector poll cycles on
// a cron cadence and the stale-task sweep.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Poller runs one detection-and-dispatch pass over every user. The
// engine's Dispatcher satisfies it.
type Poller interface {
	PollAllUsers(ctx context.Context)
}

// Scheduler ticks once a minute and fires the poll when the cron
// expression is due. The dispatcher's per-user in-flight guard handles a
// poll that outlives its slot.
type Scheduler struct {
	store  *persistence.Store
	poller Poller

	mu            sync.Mutex
	schedule      cronlib.Schedule
	scheduleExpr  string
	taskRetention time.Duration
	nextPoll      time.Time

	interval time.Duration // tick granularity, 1 minute outside tests
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewScheduler(store *persistence.Store, poller Poller, cfg config.DetectorConfig) (*Scheduler, error) {
	s := &Scheduler{
		store:    store,
		poller:   poller,
		interval: time.Minute,
	}
	if err := s.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateConfig swaps the poll cadence and sweep retention. The next fire
// time is recomputed from the new expression.
func (s *Scheduler) UpdateConfig(cfg config.DetectorConfig) error {
	sched, err := cronParser.Parse(cfg.PollSchedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = sched
	s.scheduleExpr = cfg.PollSchedule
	s.taskRetention = time.Duration(cfg.TaskRetentionHours) * time.Hour
	s.nextPoll = sched.Next(time.Now())
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("scheduler started", "poll_schedule", s.scheduleExpr)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires the poll when its slot has arrived and sweeps stale tasks
// once per poll cycle.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !s.nextPoll.IsZero() && !now.Before(s.nextPoll)
	if due {
		s.nextPoll = s.schedule.Next(now)
	}
	retention := s.taskRetention
	s.mu.Unlock()

	if !due {
		return
	}

	s.poller.PollAllUsers(ctx)

	if retention > 0 {
		swept, err := s.store.SweepStaleTasks(ctx, retention)
		if err != nil {
			slog.Error("stale task sweep failed", "error", err)
		} else if swept > 0 {
			slog.Info("stale tasks swept", "count", swept)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
