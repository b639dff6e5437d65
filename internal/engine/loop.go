package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/copper/sidekick/internal/bus"
	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/oracle"
	sotel "github.com/copper/sidekick/internal/otel"
	"github.com/copper/sidekick/internal/persistence"
	"github.com/copper/sidekick/internal/shared"
	"github.com/copper/sidekick/internal/tokenutil"
	"github.com/copper/sidekick/internal/toolcat"
)

// Notification types emitted by the loop.
const (
	NotifyAction    = "agent_action"
	NotifySummary   = "agent_summary"
	NotifyError     = "agent_error"
	NotifyExhausted = "agent_exhausted"
	NotifyAuth      = "provider_auth"
)

// Notifier delivers user-facing notifications. Implementations must never
// block the run or propagate failure.
type Notifier interface {
	Notify(ctx context.Context, userID, notifType, title, message, severity string)
}

// Loop drives one standing instruction against one event through the
// oracle's tool-calling rounds.
type Loop struct {
	store    *persistence.Store
	oracle   oracle.Oracle
	catalog  *toolcat.Catalog
	notifier Notifier
	bus      *bus.Bus
	metrics  *sotel.Metrics

	mu  sync.RWMutex // guards cfg for hot-reload
	cfg config.AgentConfig
}

func NewLoop(store *persistence.Store, orc oracle.Oracle, catalog *toolcat.Catalog, notifier Notifier, eventBus *bus.Bus, metrics *sotel.Metrics, cfg config.AgentConfig) *Loop {
	return &Loop{
		store:    store,
		oracle:   orc,
		catalog:  catalog,
		notifier: notifier,
		bus:      eventBus,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// UpdateConfig swaps the loop tunables. Safe during running loops; each
// run reads the config once at start.
func (l *Loop) UpdateConfig(cfg config.AgentConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
}

func (l *Loop) config() config.AgentConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// roundResult is the persisted shape of one executed call.
type roundResult struct {
	Tool    string          `json:"tool"`
	Output  json.RawMessage `json:"output"`
	Invalid bool            `json:"invalid,omitempty"`
	Refused bool            `json:"refused,omitempty"`
	Failed  bool            `json:"failed,omitempty"`
}

// Run executes one instruction against one event. The returned run row
// always has a terminal outcome; the error reports oracle failure.
func (l *Loop) Run(ctx context.Context, user *persistence.User, instr persistence.Instruction, ev Event) (*persistence.AgentRun, error) {
	cfg := l.config()

	run, err := l.store.CreateRun(ctx, user.ID, instr.ID, string(ev.Trigger), ev.SourceID)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	ctx = shared.WithRunID(ctx, run.ID)
	log := slog.With("trace_id", shared.TraceID(ctx), "run_id", run.ID, "user_id", user.ID, "instruction_id", instr.ID)
	log.Info("run started", "trigger", ev.Trigger, "source_id", ev.SourceID)

	l.publishRun(bus.TopicRunStarted, run, 0, persistence.RunRunning)
	if l.metrics != nil {
		l.metrics.RunsStarted.Add(ctx, 1)
	}

	openTasks, err := l.store.FindOpenWaitingTasks(ctx, user.ID, ev.Correspondent)
	if err != nil {
		log.Warn("open task lookup failed", "error", err)
	}
	if len(openTasks) > cfg.MaxOpenTasksInContext {
		openTasks = openTasks[:cfg.MaxOpenTasksInContext]
	}

	system := systemDirective(time.Now(), user, l.catalog.Definitions())
	turns := []oracle.Turn{{
		Role: oracle.RoleUser,
		Text: eventPrompt(instr, ev, openTasks, cfg.ContextTokenBudget),
	}}

	// lastText keeps the newest assistant text, surfaced when the budget
	// runs out before a final reply.
	var lastText string
	for round := 1; round <= cfg.RoundBudget; round++ {
		started := time.Now()
		res, chatErr := l.oracle.Chat(ctx, oracle.ChatRequest{System: system, Turns: turns})
		if l.metrics != nil {
			l.metrics.OracleDuration.Record(ctx, time.Since(started).Seconds())
		}
		if chatErr != nil {
			class := oracle.ClassifyError(chatErr)
			log.Error("oracle call failed", "round", round, "class", class, "error", chatErr)
			errMsg := fmt.Sprintf("%s: %v", class, chatErr)
			if err := l.store.FinishRun(ctx, run.ID, persistence.RunErrored, "", errMsg); err != nil {
				log.Warn("finish run failed", "error", err)
			}
			l.notifier.Notify(ctx, user.ID, NotifyError,
				"Automation run failed",
				fmt.Sprintf("Instruction %q could not run: %s.", shorten(instr.InstructionText, 80), class),
				persistence.SeverityError)
			l.finishMetricsAndBus(ctx, bus.TopicRunErrored, run, round-1, persistence.RunErrored)
			return l.reload(ctx, run.ID)
		}

		// No proposed calls means the oracle is done.
		if len(res.Calls) == 0 {
			final := res.Text
			l.appendRound(ctx, run.ID, round, nil, []roundResult{{Tool: "", Output: mustMarshal(map[string]string{"text": final})}})
			if err := l.store.FinishRun(ctx, run.ID, persistence.RunCompleted, final, ""); err != nil {
				log.Warn("finish run failed", "error", err)
			}
			log.Info("run completed", "rounds", round)
			l.notifier.Notify(ctx, user.ID, NotifySummary,
				"Automation completed",
				shorten(final, 400),
				persistence.SeveritySuccess)
			l.finishMetricsAndBus(ctx, bus.TopicRunCompleted, run, round, persistence.RunCompleted)
			return l.reload(ctx, run.ID)
		}

		if res.Text != "" {
			lastText = res.Text
		}
		turns = append(turns, oracle.Turn{Role: oracle.RoleAssistant, Text: res.Text, Calls: res.Calls})

		// Execute every proposed call. A failing call never aborts the
		// round; its structured error payload goes back with the rest.
		results := make([]oracle.ToolResult, 0, len(res.Calls))
		recorded := make([]roundResult, 0, len(res.Calls))
		for _, call := range res.Calls {
			callStart := time.Now()
			outcome := l.catalog.Execute(ctx, user, call.Name, call.Args)
			if l.metrics != nil {
				l.metrics.ToolCallDuration.Record(ctx, time.Since(callStart).Seconds())
				if outcome.Err != nil {
					l.metrics.ToolCallErrors.Add(ctx, 1)
				}
			}

			switch {
			case capability.IsAuthExpired(outcome.Err):
				l.notifier.Notify(ctx, user.ID, NotifyAuth,
					"Provider connection expired",
					fmt.Sprintf("A %s call failed because the provider credentials expired. Reconnect the account.", outcome.Tool),
					persistence.SeverityError)
			case outcome.Mutating && outcome.Err != nil:
				severity := persistence.SeverityError
				if capability.IsTransient(outcome.Err) {
					severity = persistence.SeverityWarning
				}
				l.notifier.Notify(ctx, user.ID, NotifyError,
					fmt.Sprintf("Action failed: %s", outcome.Tool),
					shorten(outcome.Err.Error(), 200),
					severity)
			case outcome.Mutating && outcome.Err == nil && !outcome.Invalid && !outcome.Refused:
				l.notifier.Notify(ctx, user.ID, NotifyAction,
					fmt.Sprintf("Action taken: %s", outcome.Tool),
					tokenutil.Truncate(string(outcome.Output), 100),
					persistence.SeveritySuccess)
			}

			results = append(results, oracle.ToolResult{Ref: call.Ref, Name: call.Name, Output: outcome.Output})
			recorded = append(recorded, roundResult{
				Tool:    outcome.Tool,
				Output:  outcome.Output,
				Invalid: outcome.Invalid,
				Refused: outcome.Refused,
				Failed:  outcome.Err != nil,
			})
		}
		l.appendRound(ctx, run.ID, round, res.Calls, recorded)
		turns = append(turns, oracle.Turn{Role: oracle.RoleTool, Results: results})
	}

	log.Warn("run exhausted round budget", "budget", cfg.RoundBudget)
	if err := l.store.FinishRun(ctx, run.ID, persistence.RunExhausted, lastText, fmt.Sprintf("round budget of %d exhausted", cfg.RoundBudget)); err != nil {
		log.Warn("finish run failed", "error", err)
	}
	exhaustedMsg := fmt.Sprintf("Instruction %q used all %d rounds without finishing. Side effects already taken were kept.", shorten(instr.InstructionText, 80), cfg.RoundBudget)
	if lastText != "" {
		exhaustedMsg = fmt.Sprintf("%s Last status: %s", exhaustedMsg, shorten(lastText, 200))
	}
	l.notifier.Notify(ctx, user.ID, NotifyExhausted,
		"Automation stopped early",
		exhaustedMsg,
		persistence.SeverityWarning)
	l.finishMetricsAndBus(ctx, bus.TopicRunExhausted, run, cfg.RoundBudget, persistence.RunExhausted)
	return l.reload(ctx, run.ID)
}

func (l *Loop) appendRound(ctx context.Context, runID string, round int, calls []oracle.ToolCall, results []roundResult) {
	proposed := "[]"
	if len(calls) > 0 {
		proposed = string(mustMarshal(calls))
	}
	if err := l.store.AppendRound(ctx, runID, round, proposed, string(mustMarshal(results))); err != nil {
		slog.Warn("append round failed", "run_id", runID, "round", round, "error", err)
	}
}

func (l *Loop) publishRun(topic string, run *persistence.AgentRun, rounds int, outcome string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(topic, bus.RunEvent{
		RunID:         run.ID,
		UserID:        run.UserID,
		InstructionID: run.InstructionID,
		TriggerType:   run.TriggerType,
		SourceID:      run.SourceID,
		Rounds:        rounds,
		Outcome:       outcome,
	})
}

func (l *Loop) finishMetricsAndBus(ctx context.Context, topic string, run *persistence.AgentRun, rounds int, outcome string) {
	if l.metrics != nil {
		l.metrics.RunsFinished.Add(ctx, 1)
		l.metrics.RoundsPerRun.Record(ctx, int64(rounds))
	}
	l.publishRun(topic, run, rounds, outcome)
}

func (l *Loop) reload(ctx context.Context, runID string) (*persistence.AgentRun, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Outcome == persistence.RunErrored {
		return run, fmt.Errorf("run errored: %s", run.Error)
	}
	return run, nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return data
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
