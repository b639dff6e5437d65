package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/oracle"
	"github.com/copper/sidekick/internal/persistence"
	"github.com/copper/sidekick/internal/toolcat"
)

// scriptedOracle returns canned responses in order and records every
// request it sees.
type scriptedOracle struct {
	mu       sync.Mutex
	script   []func(req oracle.ChatRequest) (*oracle.ChatResult, error)
	requests []oracle.ChatRequest
}

func (s *scriptedOracle) Chat(ctx context.Context, req oracle.ChatRequest) (*oracle.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		return &oracle.ChatResult{Text: "nothing left to do"}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next(req)
}

func reply(text string) func(oracle.ChatRequest) (*oracle.ChatResult, error) {
	return func(oracle.ChatRequest) (*oracle.ChatResult, error) {
		return &oracle.ChatResult{Text: text}, nil
	}
}

func propose(calls ...oracle.ToolCall) func(oracle.ChatRequest) (*oracle.ChatResult, error) {
	return func(oracle.ChatRequest) (*oracle.ChatResult, error) {
		return &oracle.ChatResult{Calls: calls}, nil
	}
}

func proposeWithText(text string, calls ...oracle.ToolCall) func(oracle.ChatRequest) (*oracle.ChatResult, error) {
	return func(oracle.ChatRequest) (*oracle.ChatResult, error) {
		return &oracle.ChatResult{Text: text, Calls: calls}, nil
	}
}

func failWith(err error) func(oracle.ChatRequest) (*oracle.ChatResult, error) {
	return func(oracle.ChatRequest) (*oracle.ChatResult, error) {
		return nil, err
	}
}

func call(name, args string) oracle.ToolCall {
	return oracle.ToolCall{Name: name, Args: json.RawMessage(args)}
}

// recordingNotifier captures notifications in order.
type recordingNotifier struct {
	mu         sync.Mutex
	types      []string
	msgs       []string
	severities []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, notifType, _, message, severity string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, notifType)
	n.msgs = append(n.msgs, message)
	n.severities = append(n.severities, severity)
}

func (n *recordingNotifier) count(notifType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.types {
		if t == notifType {
			c++
		}
	}
	return c
}

// severityOf returns the severity of the first notification of a type.
func (n *recordingNotifier) severityOf(notifType string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, t := range n.types {
		if t == notifType {
			return n.severities[i]
		}
	}
	return ""
}

// messageOf returns the message of the first notification of a type.
func (n *recordingNotifier) messageOf(notifType string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, t := range n.types {
		if t == notifType {
			return n.msgs[i]
		}
	}
	return ""
}

type loopFixture struct {
	store    *persistence.Store
	mailer   *capability.MemMailer
	crm      *capability.MemCRM
	notifier *recordingNotifier
	user     *persistence.User
	instr    persistence.Instruction
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{RoundBudget: 8, MaxOpenTasksInContext: 5, ContextTokenBudget: 4000}
}

func newLoopFixture(t *testing.T, orc oracle.Oracle, cfg config.AgentConfig) (*Loop, *loopFixture) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapters, mailer, _, crm := capability.NewMemAdapters()
	catalog, err := toolcat.New(adapters, store)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alex@example.com", "Alex")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	instrID, err := store.SaveInstruction(ctx, userID, "when a client emails, reply and log a note", persistence.TriggerNewEmail, "")
	if err != nil {
		t.Fatalf("save instruction: %v", err)
	}
	instrs, err := store.ListInstructions(ctx, userID)
	if err != nil || len(instrs) != 1 {
		t.Fatalf("list instructions: %v", err)
	}
	_ = instrID

	notifier := &recordingNotifier{}
	loop := NewLoop(store, orc, catalog, notifier, nil, nil, cfg)
	return loop, &loopFixture{
		store:    store,
		mailer:   mailer,
		crm:      crm,
		notifier: notifier,
		user:     user,
		instr:    instrs[0],
	}
}

func testEvent() Event {
	return Event{
		Trigger:       persistence.TriggerNewEmail,
		SourceID:      "gmail-1",
		OccurredAt:    time.Now().UTC(),
		Summary:       "From: client@corp.com\nSubject: Q3 proposal\n\nCan you send over the deck?",
		Correspondent: "client@corp.com",
	}
}

func TestRunCompletesAfterToolRound(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		propose(call("send_email", `{"to":["client@corp.com"],"subject":"Re: Q3 proposal","body":"Deck attached."}`)),
		reply("Replied to the client with the deck."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunCompleted {
		t.Fatalf("outcome = %s", run.Outcome)
	}
	if run.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", run.Rounds)
	}
	if run.FinalText != "Replied to the client with the deck." {
		t.Fatalf("final text = %q", run.FinalText)
	}

	if sent := f.mailer.Sent[f.user.ID]; len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if f.notifier.count(NotifyAction) != 1 {
		t.Fatalf("action notifications = %d, want 1", f.notifier.count(NotifyAction))
	}
	if got := f.notifier.severityOf(NotifyAction); got != persistence.SeveritySuccess {
		t.Fatalf("action severity = %q, want %q", got, persistence.SeveritySuccess)
	}
	if f.notifier.count(NotifySummary) != 1 {
		t.Fatalf("summary notifications = %d, want 1", f.notifier.count(NotifySummary))
	}

	rounds, err := f.store.ListRunRounds(context.Background(), run.ID)
	if err != nil || len(rounds) != 2 {
		t.Fatalf("persisted rounds = %d, %v", len(rounds), err)
	}
	if !strings.Contains(rounds[0].ProposedJSON, "send_email") {
		t.Fatalf("round 1 proposed = %s", rounds[0].ProposedJSON)
	}
}

func TestRunExhaustsRoundBudget(t *testing.T) {
	// The oracle keeps proposing searches forever.
	orc := &scriptedOracle{}
	for i := 0; i < 10; i++ {
		orc.script = append(orc.script, propose(call("search_emails", `{"query":"anything"}`)))
	}
	cfg := testAgentConfig()
	cfg.RoundBudget = 3
	loop, f := newLoopFixture(t, orc, cfg)

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunExhausted {
		t.Fatalf("outcome = %s", run.Outcome)
	}
	if run.Rounds != 3 {
		t.Fatalf("rounds = %d, want 3", run.Rounds)
	}
	if f.notifier.count(NotifyExhausted) != 1 {
		t.Fatal("expected an exhaustion notification")
	}
	// Exactly budget oracle calls were made.
	if len(orc.requests) != 3 {
		t.Fatalf("oracle calls = %d, want 3", len(orc.requests))
	}
}

func TestRunErredOracle(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		failWith(errors.New("429 rate limit exceeded")),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err == nil {
		t.Fatal("expected error from errored run")
	}
	if run == nil || run.Outcome != persistence.RunErrored {
		t.Fatalf("run = %+v", run)
	}
	if !strings.Contains(run.Error, string(oracle.ErrorClassRateLimit)) {
		t.Fatalf("run error = %q, want classified", run.Error)
	}
	if f.notifier.count(NotifyError) != 1 {
		t.Fatal("expected an error notification")
	}
}

func TestValidationErrorFedBackToOracle(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		propose(call("send_email", `{"subject":"no recipients"}`)),
		reply("Could not send; arguments were wrong."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunCompleted {
		t.Fatalf("outcome = %s", run.Outcome)
	}

	// The second request must contain the structured validation payload as
	// a tool turn.
	if len(orc.requests) != 2 {
		t.Fatalf("oracle calls = %d", len(orc.requests))
	}
	second := orc.requests[1]
	last := second.Turns[len(second.Turns)-1]
	if last.Role != oracle.RoleTool || len(last.Results) != 1 {
		t.Fatalf("last turn = %+v", last)
	}
	if !strings.Contains(string(last.Results[0].Output), "INVALID_ARGUMENTS") {
		t.Fatalf("tool result = %s", last.Results[0].Output)
	}

	// Nothing was sent and no action notification fired.
	if len(f.mailer.Sent[f.user.ID]) != 0 {
		t.Fatal("invalid call must not reach the mailer")
	}
	if f.notifier.count(NotifyAction) != 0 {
		t.Fatal("invalid call must not produce an action notification")
	}
}

func TestFailingCallIsolatedWithinRound(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		propose(
			call("add_contact_note", `{"contact_id":"hs-missing","body":"note"}`),
			call("send_email", `{"to":["client@corp.com"],"subject":"Hi","body":"Hello."}`),
		),
		reply("Sent the email; the note target was missing."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunCompleted {
		t.Fatalf("outcome = %s", run.Outcome)
	}

	// The second call still executed despite the first failing.
	if len(f.mailer.Sent[f.user.ID]) != 1 {
		t.Fatal("second call in the round should still run")
	}
	second := orc.requests[1]
	last := second.Turns[len(second.Turns)-1]
	if len(last.Results) != 2 {
		t.Fatalf("both results must be fed back, got %d", len(last.Results))
	}
	if !strings.Contains(string(last.Results[0].Output), "NOT_FOUND") {
		t.Fatalf("first result = %s", last.Results[0].Output)
	}
}

func TestFailingMutatingCallNotifies(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		propose(call("send_email", `{"to":["client@corp.com"],"subject":"Hi","body":"Hello."}`)),
		reply("The provider was down; nothing was sent."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())
	f.mailer.Fail = capability.Transient("mail.send", errors.New("503 upstream unavailable"))

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunCompleted {
		t.Fatalf("outcome = %s", run.Outcome)
	}

	// The failure is both fed back to the oracle and surfaced to the user.
	last := orc.requests[1].Turns[len(orc.requests[1].Turns)-1]
	if !strings.Contains(string(last.Results[0].Output), "TRANSIENT") {
		t.Fatalf("tool result = %s", last.Results[0].Output)
	}
	if f.notifier.count(NotifyError) != 1 {
		t.Fatalf("error notifications = %d, want 1", f.notifier.count(NotifyError))
	}
	if got := f.notifier.severityOf(NotifyError); got != persistence.SeverityWarning {
		t.Fatalf("transient failure severity = %q, want %q", got, persistence.SeverityWarning)
	}
	if f.notifier.count(NotifyAction) != 0 {
		t.Fatal("failed call must not produce an action notification")
	}
}

func TestExhaustedRunSurfacesLastText(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		proposeWithText("Searching the mailbox first.", call("search_emails", `{"query":"proposal"}`)),
		proposeWithText("Found the thread; drafting a reply next.", call("search_emails", `{"query":"deck"}`)),
	}}
	cfg := testAgentConfig()
	cfg.RoundBudget = 2
	loop, f := newLoopFixture(t, orc, cfg)

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunExhausted {
		t.Fatalf("outcome = %s", run.Outcome)
	}
	if run.FinalText != "Found the thread; drafting a reply next." {
		t.Fatalf("final text = %q", run.FinalText)
	}
	if msg := f.notifier.messageOf(NotifyExhausted); !strings.Contains(msg, "drafting a reply next") {
		t.Fatalf("exhausted notification = %q, want last status included", msg)
	}
}

func TestSelfContactRefusalReachesOracle(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		propose(call("create_contact", `{"email":"alex@example.com"}`)),
		reply("Skipped creating a contact for the user."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())

	run, err := loop.Run(context.Background(), f.user, f.instr, testEvent())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Outcome != persistence.RunCompleted {
		t.Fatalf("outcome = %s", run.Outcome)
	}
	last := orc.requests[1].Turns[len(orc.requests[1].Turns)-1]
	if !strings.Contains(string(last.Results[0].Output), "refused") {
		t.Fatalf("refusal payload missing: %s", last.Results[0].Output)
	}
	// A refusal is not an action.
	if f.notifier.count(NotifyAction) != 0 {
		t.Fatal("refused call must not produce an action notification")
	}
}

func TestOpenWaitingTasksSurfaceInPrompt(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		reply("Noted."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())
	ctx := context.Background()

	task, err := f.store.CreateTask(ctx, f.user.ID, "Await client reply", "", `{"contact":"client@corp.com"}`, 0)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.store.UpdateTaskStatus(ctx, task.ID, persistence.TaskWaitingForResponse, "", ""); err != nil {
		t.Fatalf("to waiting: %v", err)
	}

	if _, err := loop.Run(ctx, f.user, f.instr, testEvent()); err != nil {
		t.Fatalf("run: %v", err)
	}
	opening := orc.requests[0].Turns[0].Text
	if !strings.Contains(opening, task.ID) {
		t.Fatalf("opening prompt should mention the waiting task:\n%s", opening)
	}
}

func TestSystemDirectiveCarriesDateAndIdentity(t *testing.T) {
	orc := &scriptedOracle{script: []func(oracle.ChatRequest) (*oracle.ChatResult, error){
		reply("Done."),
	}}
	loop, f := newLoopFixture(t, orc, testAgentConfig())

	if _, err := loop.Run(context.Background(), f.user, f.instr, testEvent()); err != nil {
		t.Fatalf("run: %v", err)
	}
	system := orc.requests[0].System
	year := time.Now().Format("2006")
	if !strings.Contains(system, year) {
		t.Fatalf("system directive missing current date:\n%s", system)
	}
	if !strings.Contains(system, "alex@example.com") {
		t.Fatal("system directive missing user identity")
	}
	if !strings.Contains(system, "send_email") {
		t.Fatal("system directive missing tool catalog")
	}
}
