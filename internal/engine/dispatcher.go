package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/copper/sidekick/internal/bus"
	sotel "github.com/copper/sidekick/internal/otel"
	"github.com/copper/sidekick/internal/persistence"
	"github.com/copper/sidekick/internal/shared"
)

// Detector finds new occurrences for a user. Implementations persist the
// backing record before returning an Event, so every returned Event is
// first-sighting by construction.
type Detector interface {
	Name() string
	Detect(ctx context.Context, user *persistence.User) ([]Event, error)
}

// Dispatcher is the engine's entry point: it turns detected events into
// instruction runs, keeping failures contained per instruction and per
// user.
type Dispatcher struct {
	store     *persistence.Store
	matcher   *Matcher
	loop      *Loop
	detectors []Detector
	bus       *bus.Bus
	metrics   *sotel.Metrics

	mu      sync.Mutex
	polling map[string]bool // userID -> poll cycle in flight
}

func NewDispatcher(store *persistence.Store, matcher *Matcher, loop *Loop, detectors []Detector, eventBus *bus.Bus, metrics *sotel.Metrics) *Dispatcher {
	return &Dispatcher{
		store:     store,
		matcher:   matcher,
		loop:      loop,
		detectors: detectors,
		bus:       eventBus,
		metrics:   metrics,
		polling:   make(map[string]bool),
	}
}

// RunInstructionsForEvent matches and executes every active instruction
// for the event, newest first. A failing run is logged and skipped; the
// remaining instructions still execute. Returns the number of runs that
// reached a terminal outcome other than errored.
func (d *Dispatcher) RunInstructionsForEvent(ctx context.Context, userID string, ev Event) (int, error) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	log := slog.With("trace_id", shared.TraceID(ctx), "user_id", userID, "trigger", ev.Trigger, "source_id", ev.SourceID)

	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}

	instrs, err := d.matcher.Match(ctx, userID, ev.Trigger)
	if err != nil {
		return 0, err
	}
	if len(instrs) == 0 {
		log.Debug("no matching instructions")
		return 0, nil
	}

	if d.bus != nil {
		d.bus.Publish(bus.TopicEventDetected, ev)
	}

	completed := 0
	for _, instr := range instrs {
		if _, err := d.loop.Run(ctx, user, instr, ev); err != nil {
			log.Warn("instruction run failed", "instruction_id", instr.ID, "error", err)
			continue
		}
		completed++
	}
	log.Info("event dispatched", "instructions", len(instrs), "completed", completed)
	return completed, nil
}

// PollAndDispatch runs every detector for one user and dispatches the
// events they produce. Cycles never overlap per user: a call while a
// previous cycle is still running returns immediately. Detector failures
// are isolated per source.
func (d *Dispatcher) PollAndDispatch(ctx context.Context, userID string) (int, error) {
	d.mu.Lock()
	if d.polling[userID] {
		d.mu.Unlock()
		slog.Debug("poll cycle already in flight", "user_id", userID)
		return 0, nil
	}
	d.polling[userID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.polling, userID)
		d.mu.Unlock()
	}()

	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}

	dispatched := 0
	for _, det := range d.detectors {
		events, err := det.Detect(ctx, user)
		if err != nil {
			slog.Warn("detector cycle failed", "detector", det.Name(), "user_id", userID, "error", err)
			if d.metrics != nil {
				d.metrics.DetectorErrors.Add(ctx, 1)
			}
			continue
		}
		for _, ev := range events {
			if d.metrics != nil {
				d.metrics.EventsDetected.Add(ctx, 1)
			}
			if _, err := d.RunInstructionsForEvent(ctx, userID, ev); err != nil {
				slog.Warn("event dispatch failed", "user_id", userID, "source_id", ev.SourceID, "error", err)
				continue
			}
			dispatched++
		}
	}
	return dispatched, nil
}

// PollAllUsers runs a poll cycle for every known user. One user's failure
// never blocks the others.
func (d *Dispatcher) PollAllUsers(ctx context.Context) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		slog.Error("list users for poll", "error", err)
		return
	}
	for _, u := range users {
		if _, err := d.PollAndDispatch(ctx, u.ID); err != nil {
			slog.Warn("user poll cycle failed", "user_id", u.ID, "error", err)
		}
	}
}
