package subscriptions

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/security"
	"github.com/mbd888/luxbill/internal/syncutil"
	"github.com/mbd888/luxbill/internal/tenant"
	"github.com/mbd888/luxbill/internal/traces"
)

const (
	defaultSuccessPath  = "/settings/billing?checkout=success"
	defaultCancelPath   = "/settings/billing?checkout=canceled"
	DefaultInvoiceLimit = 10
	MaxInvoiceLimit     = 100
)

// CheckoutRequest starts a hosted subscription checkout.
type CheckoutRequest struct {
	Plan       string `json:"plan" binding:"required"`
	Interval   string `json:"interval" binding:"omitempty,max=16"`
	SuccessURL string `json:"successUrl" binding:"omitempty,max=2048"`
	CancelURL  string `json:"cancelUrl" binding:"omitempty,max=2048"`
}

// CancelRequest cancels the tenant's subscription.
type CancelRequest struct {
	// AtPeriodEnd keeps the tier until the paid period runs out.
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// UpdateRequest moves the subscription to another sold plan or interval.
type UpdateRequest struct {
	Plan     string `json:"plan" binding:"required"`
	Interval string `json:"interval" binding:"omitempty,max=16"`
}

// Result pairs the processor subscription with the resulting profile.
type Result struct {
	Subscription *processor.Subscription `json:"subscription,omitempty"`
	Profile      *tenant.Profile         `json:"profile"`
}

// Service runs subscription flows against the processor.
type Service struct {
	proc      processor.Client
	tenants   *tenant.Service
	audit     *audit.Recorder
	prices    Prices
	baseURL   string
	customers *syncutil.KeyLock
	now       func() time.Time
}

// NewService creates the subscriptions service. baseURL anchors checkout
// return URLs.
func NewService(proc processor.Client, tenants *tenant.Service, rec *audit.Recorder, prices Prices, baseURL string) *Service {
	return &Service{
		proc:      proc,
		tenants:   tenants,
		audit:     rec,
		prices:    prices,
		baseURL:   baseURL,
		customers: syncutil.NewKeyLock(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Prices returns the configured price ids.
func (s *Service) Prices() Prices { return s.prices }

// Checkout creates a hosted checkout for a paid tier.
func (s *Service) Checkout(ctx context.Context, tenantID string, req CheckoutRequest) (out *processor.CheckoutSession, err error) {
	ctx, span := traces.StartSpan(ctx, "subscriptions.Checkout", traces.TenantID(tenantID), traces.Plan(req.Plan))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	plan, err := feepolicy.ParsePlan(req.Plan)
	if err != nil {
		return nil, err
	}
	interval, err := ParseInterval(req.Interval)
	if err != nil {
		return nil, err
	}
	priceID, err := s.prices.Lookup(plan, interval)
	if err != nil {
		return nil, err
	}
	successURL, err := security.ResolveReturnURL(s.baseURL, req.SuccessURL, defaultSuccessPath)
	if err != nil {
		return nil, err
	}
	cancelURL, err := security.ResolveReturnURL(s.baseURL, req.CancelURL, defaultCancelPath)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out, err = s.proc.CreateCheckoutSession(ctx, processor.CheckoutParams{
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		Metadata: map[string]string{
			"tenantId": tenantID,
			"plan":     string(plan),
			"interval": string(interval),
		},
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("checkout session created", "tenant_id", tenantID, "plan", plan, "interval", interval, "session_id", out.ID)
	return out, nil
}

// Cancel cancels the subscription. Immediate cancellation returns the
// tenant to PERFORMANCE; cancellation at period end leaves the plan to the
// processor's deletion event.
func (s *Service) Cancel(ctx context.Context, tenantID string, req CancelRequest) (out *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "subscriptions.Cancel", traces.TenantID(tenantID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if profile.ExternalSubscriptionID == "" {
		return nil, ErrNoSubscription
	}

	if req.AtPeriodEnd {
		atEnd := true
		sub, err := s.proc.UpdateSubscription(ctx, profile.ExternalSubscriptionID, processor.SubscriptionUpdate{CancelAtPeriodEnd: &atEnd})
		if err != nil {
			return nil, err
		}
		s.recordCancel(ctx, tenantID, sub, true)
		return &Result{Subscription: sub, Profile: profile}, nil
	}

	sub, err := s.proc.CancelSubscription(ctx, profile.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	cleared := ""
	profile, err = s.tenants.SwitchPlan(ctx, tenantID, feepolicy.PlanPerformance, tenant.SwitchOptions{
		SubscriptionID: &cleared,
		Reason:         tenant.ReasonSubscriptionCanceled,
	})
	if err != nil {
		return nil, err
	}
	s.recordCancel(ctx, tenantID, sub, false)
	return &Result{Subscription: sub, Profile: profile}, nil
}

func (s *Service) recordCancel(ctx context.Context, tenantID string, sub *processor.Subscription, atPeriodEnd bool) {
	meta := map[string]string{"subscriptionId": sub.ID, "atPeriodEnd": "false"}
	if atPeriodEnd {
		meta["atPeriodEnd"] = "true"
	}
	s.audit.Record(ctx, audit.Change{
		TenantID: tenantID,
		Action:   audit.ActionSubscriptionCanceled,
		Entity:   "subscription",
		EntityID: sub.ID,
		After:    sub,
		Metadata: meta,
	})
	logging.L(ctx).Info("subscription canceled", "tenant_id", tenantID, "subscription_id", sub.ID, "at_period_end", atPeriodEnd)
}

// Update swaps the subscription's price and switches the plan to match.
func (s *Service) Update(ctx context.Context, tenantID string, req UpdateRequest) (out *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "subscriptions.Update", traces.TenantID(tenantID), traces.Plan(req.Plan))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	plan, err := feepolicy.ParsePlan(req.Plan)
	if err != nil {
		return nil, err
	}
	interval, err := ParseInterval(req.Interval)
	if err != nil {
		return nil, err
	}
	priceID, err := s.prices.Lookup(plan, interval)
	if err != nil {
		return nil, err
	}
	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if profile.ExternalSubscriptionID == "" {
		return nil, ErrNoSubscription
	}

	current, err := s.proc.GetSubscription(ctx, profile.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	if current.PriceID == priceID {
		return nil, ErrSamePlan
	}
	sub, err := s.proc.UpdateSubscription(ctx, current.ID, processor.SubscriptionUpdate{ItemID: current.ItemID, PriceID: priceID})
	if err != nil {
		return nil, err
	}
	profile, err = s.tenants.SwitchPlan(ctx, tenantID, plan, tenant.SwitchOptions{
		SubscriptionID: &sub.ID,
		Reason:         tenant.ReasonSubscriptionUpdated,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Subscription: sub, Profile: profile}, nil
}

// Sync makes the plan match the tenant's active processor subscriptions.
// Without an active sold subscription a paid tier falls back to PERFORMANCE;
// PERFORMANCE and DIY tenants keep their plan.
func (s *Service) Sync(ctx context.Context, tenantID string) (out *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "subscriptions.Sync", traces.TenantID(tenantID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var active *processor.Subscription
	var plan feepolicy.Plan
	if profile.ExternalCustomerID != "" {
		subs, err := s.proc.ListActiveSubscriptions(ctx, profile.ExternalCustomerID)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			if p, _, ok := s.prices.PlanOf(sub.PriceID); ok {
				active, plan = sub, p
				break
			}
		}
	}

	opts := tenant.SwitchOptions{Reason: tenant.ReasonSubscriptionSync}
	switch {
	case active != nil:
		if profile.Plan == plan && profile.ExternalSubscriptionID == active.ID {
			return &Result{Subscription: active, Profile: profile}, nil
		}
		opts.SubscriptionID = &active.ID
		profile, err = s.tenants.SwitchPlan(ctx, tenantID, plan, opts)
	case feepolicy.Plans[profile.Plan].Subscribed:
		cleared := ""
		opts.SubscriptionID = &cleared
		profile, err = s.tenants.SwitchPlan(ctx, tenantID, feepolicy.PlanPerformance, opts)
	case profile.ExternalSubscriptionID != "":
		profile, err = s.tenants.ClearSubscription(ctx, tenantID)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Subscription: active, Profile: profile}, nil
}

// CreateSetupIntent starts collecting a card for the tenant's own
// subscription billing, creating the processor customer on first use.
func (s *Service) CreateSetupIntent(ctx context.Context, tenantID string) (*processor.SetupIntent, error) {
	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.proc.CreateSetupIntent(ctx, customerID)
}

// Invoices lists the tenant's subscription invoices, newest first. A zero
// limit uses the default.
func (s *Service) Invoices(ctx context.Context, tenantID string, limit int) ([]*processor.Invoice, error) {
	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultInvoiceLimit
	}
	if limit < 1 || limit > MaxInvoiceLimit {
		return nil, ErrInvalidLimit
	}
	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if profile.ExternalCustomerID == "" {
		return []*processor.Invoice{}, nil
	}
	invoices, err := s.proc.ListInvoices(ctx, profile.ExternalCustomerID, limit)
	if err != nil {
		return nil, err
	}
	if invoices == nil {
		invoices = []*processor.Invoice{}
	}
	return invoices, nil
}

// UpcomingInvoice previews the next invoice; nil when there is none.
func (s *Service) UpcomingInvoice(ctx context.Context, tenantID string) (*processor.Invoice, error) {
	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if profile.ExternalCustomerID == "" {
		return nil, nil
	}
	return s.proc.UpcomingInvoice(ctx, profile.ExternalCustomerID)
}

func (s *Service) ensureCustomer(ctx context.Context, tenantID string) (string, error) {
	unlock, err := s.customers.Lock(ctx, tenantID)
	if err != nil {
		return "", err
	}
	defer unlock()

	profile, err := s.tenants.GetOrCreate(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if profile.ExternalCustomerID != "" {
		return profile.ExternalCustomerID, nil
	}
	id, err := s.proc.CreateCustomer(ctx, tenantID, profile.BillingEmail)
	if err != nil {
		return "", err
	}
	if _, err := s.tenants.SetCustomerID(ctx, tenantID, id); err != nil {
		return "", err
	}
	logging.L(ctx).Info("processor customer created", "tenant_id", tenantID, "customer_id", id)
	return id, nil
}
