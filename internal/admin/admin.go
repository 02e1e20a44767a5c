// Package admin provides operator-only endpoints for inspecting and
// resolving drifted billing state.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/reconciliation"
	"github.com/mbd888/luxbill/internal/webhooks"
)

// Reconciler runs an on-demand reconciliation.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// EventReplayer lists and re-runs stored processor events.
type EventReplayer interface {
	Unprocessed(ctx context.Context, before time.Time, limit int) ([]*webhooks.Event, error)
	Replay(ctx context.Context, eventID string) (webhooks.Outcome, error)
}
