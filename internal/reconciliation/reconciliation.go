// Package reconciliation reports billing state that has drifted from what
// the fee policy, the deposit hold window or the event stream say it should
// be. It only reads; fixing what it finds is left to an operator.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/tenant"
	"github.com/mbd888/luxbill/internal/traces"
	"github.com/mbd888/luxbill/internal/webhooks"
)

const (
	// DefaultEventGrace is how old an unprocessed event must be to count.
	DefaultEventGrace = 10 * time.Minute
	// DefaultLimit caps each finding list.
	DefaultLimit = 500
)

// ProfileLister returns stored billing profiles without refreshing them.
type ProfileLister interface {
	List(ctx context.Context) ([]*tenant.Profile, error)
}

// LapsedLister returns authorized deposits past their expiry.
type LapsedLister interface {
	ListLapsed(ctx context.Context, limit int) ([]*deposit.Deposit, error)
}

// EventLister returns events received before a cutoff that are not processed.
type EventLister interface {
	ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]*webhooks.Event, error)
}

// StaleRate is a profile whose cached rate differs from the policy's answer.
type StaleRate struct {
	TenantID   string         `json:"tenantId"`
	Plan       feepolicy.Plan `json:"plan"`
	CachedRate feepolicy.Rate `json:"cachedFeePercent"`
	ActiveRate feepolicy.Rate `json:"activeFeePercent"`
}

// LapsedDeposit is an authorization nobody captured or released in time.
type LapsedDeposit struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	BookingID   string    `json:"bookingId"`
	AmountCents int64     `json:"amountCents"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// StuckEvent is a webhook event that has not reached processed.
type StuckEvent struct {
	ID              string               `json:"id"`
	Type            string               `json:"type"`
	Status          webhooks.EventStatus `json:"status"`
	AttemptCount    int                  `json:"attemptCount"`
	ProcessingError string               `json:"processingError,omitempty"`
	ReceivedAt      time.Time            `json:"receivedAt"`
}

// Report is the outcome of one run.
type Report struct {
	StaleRates        []StaleRate     `json:"staleRates"`
	LapsedDeposits    []LapsedDeposit `json:"lapsedDeposits"`
	UnprocessedEvents []StuckEvent    `json:"unprocessedEvents"`
	Healthy           bool            `json:"healthy"`
	DurationMs        int64           `json:"durationMs"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Reconciler runs the checks.
type Reconciler struct {
	profiles ProfileLister
	deposits LapsedLister
	events   EventLister
	grace    time.Duration
	limit    int
	now      func() time.Time
}

// New creates a reconciler. Any lister may be nil to skip its check.
func New(profiles ProfileLister, deposits LapsedLister, events EventLister) *Reconciler {
	return &Reconciler{
		profiles: profiles,
		deposits: deposits,
		events:   events,
		grace:    DefaultEventGrace,
		limit:    DefaultLimit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// WithEventGrace sets how long an event may stay unprocessed before it is reported.
func (r *Reconciler) WithEventGrace(d time.Duration) *Reconciler {
	if d > 0 {
		r.grace = d
	}
	return r
}

// Run executes every configured check. A failing check does not stop the
// others; their errors are joined and the partial report is still returned.
func (r *Reconciler) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Run")
	defer func() { traces.End(span, err) }()

	start := time.Now()
	now := r.now()
	report = &Report{
		StaleRates:        []StaleRate{},
		LapsedDeposits:    []LapsedDeposit{},
		UnprocessedEvents: []StuckEvent{},
		Timestamp:         now,
	}

	var errs []error
	if r.profiles != nil {
		if err := r.staleRates(ctx, now, report); err != nil {
			errs = append(errs, err)
		}
	}
	if r.deposits != nil {
		if err := r.lapsedDeposits(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	if r.events != nil {
		if err := r.unprocessedEvents(ctx, now, report); err != nil {
			errs = append(errs, err)
		}
	}

	staleFeeRates.Set(float64(len(report.StaleRates)))
	lapsedDeposits.Set(float64(len(report.LapsedDeposits)))
	unprocessedEvents.Set(float64(len(report.UnprocessedEvents)))
	runErrors.Add(float64(len(errs)))
	elapsed := time.Since(start)
	runDuration.Observe(elapsed.Seconds())

	report.DurationMs = elapsed.Milliseconds()
	report.Healthy = len(errs) == 0 && len(report.StaleRates) == 0 &&
		len(report.LapsedDeposits) == 0 && len(report.UnprocessedEvents) == 0

	logging.L(ctx).Info("reconciliation finished",
		"healthy", report.Healthy,
		"stale_rates", len(report.StaleRates),
		"lapsed_deposits", len(report.LapsedDeposits),
		"unprocessed_events", len(report.UnprocessedEvents),
		"errors", len(errs),
		"duration_ms", report.DurationMs)

	return report, errors.Join(errs...)
}

func (r *Reconciler) staleRates(ctx context.Context, now time.Time, report *Report) error {
	profiles, err := r.profiles.List(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation: list profiles: %w", err)
	}
	for _, p := range profiles {
		active := p.ActiveRate(now)
		if active == p.FeeRateCurrent {
			continue
		}
		report.StaleRates = append(report.StaleRates, StaleRate{
			TenantID:   p.TenantID,
			Plan:       p.Plan,
			CachedRate: p.FeeRateCurrent,
			ActiveRate: active,
		})
		if len(report.StaleRates) >= r.limit {
			break
		}
	}
	return nil
}

func (r *Reconciler) lapsedDeposits(ctx context.Context, report *Report) error {
	deps, err := r.deposits.ListLapsed(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("reconciliation: list lapsed deposits: %w", err)
	}
	for _, d := range deps {
		report.LapsedDeposits = append(report.LapsedDeposits, LapsedDeposit{
			ID:          d.ID,
			TenantID:    d.TenantID,
			BookingID:   d.BookingID,
			AmountCents: d.AmountCents,
			ExpiresAt:   d.ExpiresAt,
		})
	}
	return nil
}

func (r *Reconciler) unprocessedEvents(ctx context.Context, now time.Time, report *Report) error {
	events, err := r.events.ListUnprocessed(ctx, now.Add(-r.grace), r.limit)
	if err != nil {
		return fmt.Errorf("reconciliation: list unprocessed events: %w", err)
	}
	for _, e := range events {
		report.UnprocessedEvents = append(report.UnprocessedEvents, StuckEvent{
			ID:              e.ID,
			Type:            e.Type,
			Status:          e.Status,
			AttemptCount:    e.AttemptCount,
			ProcessingError: e.ProcessingError,
			ReceivedAt:      e.ReceivedAt,
		})
	}
	return nil
}
