// Package engine runs standing instructions against detected events: it
// matches instructions to a trigger, drives the oracle's propose/execute
// tool loop within a round budget, and records every run in the store.
package engine

import (
	"time"

	"github.com/copper/sidekick/internal/persistence"
)

// Event is one detected occurrence, normalized across sources. SourceID is
// the provider-native id of the underlying item and doubles as the dedup
// key; the record behind it is already persisted when an Event reaches the
// engine.
type Event struct {
	UserID   string
	Trigger  persistence.TriggerType
	SourceID string
	// OccurredAt is the provider-side timestamp of the item.
	OccurredAt time.Time
	// Summary is the human-readable rendering handed to the oracle.
	Summary string
	// Correspondent is the counterparty address or name, when the source
	// has one. Used to surface related open tasks.
	Correspondent string
}
