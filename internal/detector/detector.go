// Package detector turns provider state into first-sighting events. The
// pollers diff against per-(user, source) watermarks and the synced-record
// tables; the webhook normalizer feeds the same Event shape from pushed
// payloads. An item becomes an event exactly once: the backing record is
// inserted under its provider id before the event is returned, and the
// watermark advances only after that insert.
package detector

import (
	"context"
	"strings"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/engine"
	"github.com/copper/sidekick/internal/persistence"
)

// Watermark source names. Stable; changing one orphans stored watermarks.
const (
	SourceEmail    = "email"
	SourceCalendar = "calendar"
)

// notifyAuthExpired surfaces a provider token expiry to the user. The
// error still propagates so the cycle counts as failed.
func notifyAuthExpired(ctx context.Context, n engine.Notifier, userID, provider string, err error) {
	if n == nil || !capability.IsAuthExpired(err) {
		return
	}
	n.Notify(ctx, userID, engine.NotifyAuth,
		"Reconnect "+provider,
		"Your "+provider+" connection has expired. Reconnect it to resume automations.",
		persistence.SeverityError)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
