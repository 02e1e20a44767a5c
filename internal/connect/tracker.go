package connect

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/security"
	"github.com/mbd888/luxbill/internal/syncutil"
	"github.com/mbd888/luxbill/internal/traces"
)

const (
	defaultReturnPath  = "/settings/payouts?onboarding=complete"
	defaultRefreshPath = "/settings/payouts?onboarding=refresh"
)

// CreateRequest describes a new connected account.
type CreateRequest struct {
	Country string `json:"country" binding:"omitempty,country"`
	Email   string `json:"email" binding:"omitempty,email,max=254"`
}

// Tracker creates connected accounts and keeps their mirrors current.
type Tracker struct {
	store   Store
	proc    processor.Client
	audit   *audit.Recorder
	baseURL string
	country string
	locks   *syncutil.KeyLock
	now     func() time.Time
}

// NewTracker creates a tracker. proc may be nil when no processor is
// configured; every operation that needs it then fails with NotConfigured.
func NewTracker(store Store, proc processor.Client, rec *audit.Recorder, baseURL, defaultCountry string) *Tracker {
	return &Tracker{
		store:   store,
		proc:    proc,
		audit:   rec,
		baseURL: baseURL,
		country: defaultCountry,
		locks:   syncutil.NewKeyLock(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Get returns the tenant's account mirror without contacting the processor.
func (t *Tracker) Get(ctx context.Context, tenantID string) (*Account, error) {
	return t.store.Get(ctx, tenantID)
}

// GetByExternalID finds the mirror for a processor account id.
func (t *Tracker) GetByExternalID(ctx context.Context, externalAccountID string) (*Account, error) {
	return t.store.GetByExternalID(ctx, externalAccountID)
}

// List returns every mirror.
func (t *Tracker) List(ctx context.Context) ([]*Account, error) {
	return t.store.List(ctx)
}

// CreateAccount creates the tenant's express account with card payments and
// transfers requested. A tenant that already has one gets it back unchanged.
func (t *Tracker) CreateAccount(ctx context.Context, tenantID string, req CreateRequest) (out *Account, err error) {
	ctx, span := traces.StartSpan(ctx, "connect.CreateAccount", traces.TenantID(tenantID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(t.proc); err != nil {
		return nil, err
	}
	unlock, err := t.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := t.store.Get(ctx, tenantID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country == "" {
		country = t.country
	}
	pa, err := t.proc.CreateAccount(ctx, processor.CreateAccountParams{
		TenantID: tenantID,
		Country:  country,
		Email:    req.Email,
	})
	if err != nil {
		return nil, err
	}

	now := t.now()
	a := &Account{TenantID: tenantID, ExternalAccountID: pa.ID, CreatedAt: now}
	a.apply(pa, now)
	if err := t.store.Create(ctx, a); err != nil {
		return nil, err
	}

	t.audit.Record(ctx, audit.Change{
		TenantID: tenantID,
		Action:   audit.ActionConnectAccountCreated,
		Entity:   "connected_account",
		EntityID: a.ExternalAccountID,
		After:    a,
	})
	logging.L(ctx).Info("connected account created", "account_id", a.ExternalAccountID, "country", country)
	return a, nil
}

// RefreshStatus fetches the account from the processor and overwrites the
// mirror, recomputing the onboarding status.
func (t *Tracker) RefreshStatus(ctx context.Context, tenantID string) (out *Account, err error) {
	ctx, span := traces.StartSpan(ctx, "connect.RefreshStatus", traces.TenantID(tenantID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(t.proc); err != nil {
		return nil, err
	}
	unlock, err := t.locks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := t.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	pa, err := t.proc.GetAccount(ctx, a.ExternalAccountID)
	if err != nil {
		return nil, err
	}
	return t.overwrite(ctx, a, pa)
}

// FetchByExternalID retrieves the processor's current view of a mirrored
// account. The mirror is not touched; pass the result to ApplyAccount.
func (t *Tracker) FetchByExternalID(ctx context.Context, externalAccountID string) (*processor.Account, error) {
	if err := processor.Require(t.proc); err != nil {
		return nil, err
	}
	if _, err := t.store.GetByExternalID(ctx, externalAccountID); err != nil {
		return nil, err
	}
	return t.proc.GetAccount(ctx, externalAccountID)
}

// ApplyAccount overwrites the mirror of pa.ID with previously fetched
// processor state.
func (t *Tracker) ApplyAccount(ctx context.Context, pa *processor.Account) (*Account, error) {
	found, err := t.store.GetByExternalID(ctx, pa.ID)
	if err != nil {
		return nil, err
	}
	unlock, err := t.locks.Lock(ctx, found.TenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := t.store.Get(ctx, found.TenantID)
	if err != nil {
		return nil, err
	}
	return t.overwrite(ctx, a, pa)
}

// caller holds the tenant lock
func (t *Tracker) overwrite(ctx context.Context, a *Account, pa *processor.Account) (*Account, error) {
	prev := a.OnboardingStatus
	a.apply(pa, t.now())
	if err := t.store.Update(ctx, a); err != nil {
		return nil, err
	}
	if prev != a.OnboardingStatus {
		logging.L(ctx).Info("onboarding status changed",
			"account_id", a.ExternalAccountID, "from", prev, "to", a.OnboardingStatus)
	}
	return a, nil
}

// RequireChargesEnabled returns the account when it can accept charges and
// ErrOnboardingIncomplete otherwise.
func (t *Tracker) RequireChargesEnabled(ctx context.Context, tenantID string) (*Account, error) {
	a, err := t.store.Get(ctx, tenantID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrOnboardingIncomplete
	}
	if err != nil {
		return nil, err
	}
	if !a.ChargesEnabled {
		return nil, ErrOnboardingIncomplete
	}
	return a, nil
}

// OnboardingLink returns a hosted onboarding URL. returnURL and refreshURL
// may be relative paths on the application; empty values use the payouts
// settings page.
func (t *Tracker) OnboardingLink(ctx context.Context, tenantID, returnURL, refreshURL string) (*processor.Link, error) {
	if err := processor.Require(t.proc); err != nil {
		return nil, err
	}
	ret, err := security.ResolveReturnURL(t.baseURL, returnURL, defaultReturnPath)
	if err != nil {
		return nil, err
	}
	ref, err := security.ResolveReturnURL(t.baseURL, refreshURL, defaultRefreshPath)
	if err != nil {
		return nil, err
	}
	a, err := t.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return t.proc.AccountLink(ctx, a.ExternalAccountID, ref, ret)
}

// DashboardLink returns a login link to the express dashboard. Accounts
// that have not submitted their details cannot log in yet.
func (t *Tracker) DashboardLink(ctx context.Context, tenantID string) (*processor.Link, error) {
	if err := processor.Require(t.proc); err != nil {
		return nil, err
	}
	a, err := t.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !a.DetailsSubmitted {
		return nil, ErrOnboardingIncomplete
	}
	return t.proc.LoginLink(ctx, a.ExternalAccountID)
}
