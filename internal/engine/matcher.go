package engine

import (
	"context"
	"fmt"

	"github.com/copper/sidekick/internal/persistence"
)

// Matcher selects the standing instructions that apply to a trigger.
type Matcher struct {
	store *persistence.Store
}

func NewMatcher(store *persistence.Store) *Matcher {
	return &Matcher{store: store}
}

// Match returns the user's active instructions for the trigger, newest
// first. An empty result means the event is dropped without a run.
func (m *Matcher) Match(ctx context.Context, userID string, trigger persistence.TriggerType) ([]persistence.Instruction, error) {
	instrs, err := m.store.ActiveInstructions(ctx, userID, trigger)
	if err != nil {
		return nil, fmt.Errorf("match instructions: %w", err)
	}
	return instrs, nil
}
