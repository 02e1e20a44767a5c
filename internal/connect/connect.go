// Package connect mirrors each tenant's connected payout account and its
// onboarding progress. Charges are only created for tenants whose account
// can accept them.
package connect

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/processor"
)

var (
	ErrAccountNotFound      = apperr.New(apperr.NotFound, "connect: no connected account for tenant")
	ErrAccountExists        = apperr.New(apperr.Duplicate, "connect: connected account already exists")
	ErrOnboardingIncomplete = apperr.New(apperr.InvalidState, "connect: complete onboarding first")
)

// OnboardingStatus summarises how far a tenant is through onboarding.
type OnboardingStatus string

const (
	StatusPending    OnboardingStatus = "PENDING"
	StatusIncomplete OnboardingStatus = "INCOMPLETE"
	StatusComplete   OnboardingStatus = "COMPLETE"
	// StatusNotStarted is reported for tenants with no account yet. It is
	// never stored.
	StatusNotStarted OnboardingStatus = "NOT_STARTED"
)

// StatusOf derives the onboarding status from the processor's view.
func StatusOf(a *processor.Account) OnboardingStatus {
	switch {
	case a.DetailsSubmitted:
		return StatusComplete
	case len(a.Requirements.CurrentlyDue) > 0:
		return StatusIncomplete
	default:
		return StatusPending
	}
}

// Account is the local mirror of a tenant's connected account.
type Account struct {
	TenantID          string                 `json:"tenantId"`
	ExternalAccountID string                 `json:"externalAccountId"`
	ChargesEnabled    bool                   `json:"chargesEnabled"`
	PayoutsEnabled    bool                   `json:"payoutsEnabled"`
	DetailsSubmitted  bool                   `json:"detailsSubmitted"`
	OnboardingStatus  OnboardingStatus       `json:"onboardingStatus"`
	Requirements      processor.Requirements `json:"requirements"`
	LastCheckedAt     *time.Time             `json:"lastCheckedAt,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

func (a *Account) apply(p *processor.Account, now time.Time) {
	a.ChargesEnabled = p.ChargesEnabled
	a.PayoutsEnabled = p.PayoutsEnabled
	a.DetailsSubmitted = p.DetailsSubmitted
	a.Requirements = p.Requirements
	a.OnboardingStatus = StatusOf(p)
	a.LastCheckedAt = &now
	a.UpdatedAt = now
}

func (a *Account) clone() *Account {
	cp := *a
	if a.LastCheckedAt != nil {
		t := *a.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	cp.Requirements.CurrentlyDue = append([]string(nil), a.Requirements.CurrentlyDue...)
	cp.Requirements.PastDue = append([]string(nil), a.Requirements.PastDue...)
	cp.Requirements.EventuallyDue = append([]string(nil), a.Requirements.EventuallyDue...)
	return &cp
}

// Store persists account mirrors. Accounts are never deleted.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, tenantID string) (*Account, error)
	GetByExternalID(ctx context.Context, externalAccountID string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	List(ctx context.Context) ([]*Account, error)
}
