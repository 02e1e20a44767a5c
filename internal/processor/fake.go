package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

// Call is one recorded Fake invocation.
type Call struct {
	Op             string
	Target         string
	IdempotencyKey string
}

// Fake is an in-memory Client. Payment intents and refunds replay on a
// repeated idempotency key the way the processor does.
type Fake struct {
	mu sync.Mutex

	fail  map[string]error
	calls []Call
	seq   int

	accounts      map[string]*Account
	customers     map[string]string
	intents       map[string]*PaymentIntent
	refunds       map[string]*Refund
	charges       map[string]*Charge
	subscriptions map[string]*Subscription
	invoices      map[string][]*Invoice
	upcoming      map[string]*Invoice
	keys          map[string]string
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		fail:          make(map[string]error),
		accounts:      make(map[string]*Account),
		customers:     make(map[string]string),
		intents:       make(map[string]*PaymentIntent),
		refunds:       make(map[string]*Refund),
		charges:       make(map[string]*Charge),
		subscriptions: make(map[string]*Subscription),
		invoices:      make(map[string][]*Invoice),
		upcoming:      make(map[string]*Invoice),
		keys:          make(map[string]string),
	}
}

// FailOn makes every subsequent call to op return err. A nil err clears it.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// Calls returns the recorded calls to op, or every call when op is empty.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// PutAccount seeds or replaces a connected account.
func (f *Fake) PutAccount(a Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = &a
}

// PutCharge seeds a charge.
func (f *Fake) PutCharge(c Charge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[c.ID] = &c
}

// PutSubscription seeds or replaces a subscription.
func (f *Fake) PutSubscription(s Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.ID] = &s
}

// PutInvoices seeds a customer's invoices, newest first.
func (f *Fake) PutInvoices(customerID string, invoices ...Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[customerID] = nil
	for i := range invoices {
		inv := invoices[i]
		f.invoices[customerID] = append(f.invoices[customerID], &inv)
	}
}

// SetUpcoming seeds a customer's upcoming invoice.
func (f *Fake) SetUpcoming(customerID string, inv Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upcoming[customerID] = &inv
}

// PaymentIntent returns a copy of a created payment intent.
func (f *Fake) PaymentIntent(id string) (PaymentIntent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.intents[id]
	if !ok {
		return PaymentIntent{}, false
	}
	return *pi, true
}

// caller holds f.mu
func (f *Fake) enter(op, target, key string) error {
	f.calls = append(f.calls, Call{Op: op, Target: target, IdempotencyKey: key})
	return f.fail[op]
}

// caller holds f.mu
func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake%04d", prefix, f.seq)
}

func missing(kind, id string) error {
	return apperr.New(apperr.InvalidInput, fmt.Sprintf("processor: no such %s: '%s'", kind, id))
}

func (f *Fake) CreateAccount(_ context.Context, p CreateAccountParams) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "tenant:" + p.TenantID + ":connect_account"
	if err := f.enter("account.create", p.TenantID, key); err != nil {
		return nil, err
	}
	if id, ok := f.keys[key]; ok {
		a := *f.accounts[id]
		return &a, nil
	}
	a := &Account{ID: f.nextID("acct"), Requirements: Requirements{CurrentlyDue: []string{"external_account"}}}
	f.accounts[a.ID] = a
	f.keys[key] = a.ID
	out := *a
	return &out, nil
}

func (f *Fake) GetAccount(_ context.Context, accountID string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("account.retrieve", accountID, ""); err != nil {
		return nil, err
	}
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, missing("account", accountID)
	}
	out := *a
	return &out, nil
}

func (f *Fake) AccountLink(_ context.Context, accountID, refreshURL, returnURL string) (*Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("account_link.create", accountID, ""); err != nil {
		return nil, err
	}
	if _, ok := f.accounts[accountID]; !ok {
		return nil, missing("account", accountID)
	}
	return &Link{
		URL:       "https://connect.example.test/setup/" + accountID + "?return=" + returnURL + "&refresh=" + refreshURL,
		ExpiresAt: time.Now().Add(5 * time.Minute).UTC(),
	}, nil
}

func (f *Fake) LoginLink(_ context.Context, accountID string) (*Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("login_link.create", accountID, ""); err != nil {
		return nil, err
	}
	if _, ok := f.accounts[accountID]; !ok {
		return nil, missing("account", accountID)
	}
	return &Link{URL: "https://connect.example.test/express/" + accountID}, nil
}

func (f *Fake) CreateCustomer(_ context.Context, tenantID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("customer.create", tenantID, "tenant:"+tenantID+":customer"); err != nil {
		return "", err
	}
	if id, ok := f.customers[tenantID]; ok {
		return id, nil
	}
	id := f.nextID("cus")
	f.customers[tenantID] = id
	return id, nil
}

func (f *Fake) CreateSetupIntent(_ context.Context, customerID string) (*SetupIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("setup_intent.create", customerID, ""); err != nil {
		return nil, err
	}
	id := f.nextID("seti")
	return &SetupIntent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, p CheckoutParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("checkout_session.create", p.CustomerID, ""); err != nil {
		return nil, err
	}
	id := f.nextID("cs")
	return &CheckoutSession{ID: id, URL: "https://checkout.example.test/" + id}, nil
}

func (f *Fake) GetSubscription(_ context.Context, subscriptionID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("subscription.retrieve", subscriptionID, ""); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, missing("subscription", subscriptionID)
	}
	out := *s
	return &out, nil
}

func (f *Fake) ListActiveSubscriptions(_ context.Context, customerID string) ([]*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("subscription.list", customerID, ""); err != nil {
		return nil, err
	}
	var out []*Subscription
	for _, s := range f.subscriptions {
		if s.CustomerID == customerID && s.Status == "active" {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) UpdateSubscription(_ context.Context, subscriptionID string, u SubscriptionUpdate) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("subscription.update", subscriptionID, ""); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, missing("subscription", subscriptionID)
	}
	if u.PriceID != "" {
		s.PriceID = u.PriceID
	}
	if u.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	out := *s
	return &out, nil
}

func (f *Fake) CancelSubscription(_ context.Context, subscriptionID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("subscription.cancel", subscriptionID, ""); err != nil {
		return nil, err
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, missing("subscription", subscriptionID)
	}
	s.Status = "canceled"
	out := *s
	return &out, nil
}

func (f *Fake) CreatePaymentIntent(_ context.Context, p PaymentIntentParams) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("payment_intent.create", p.DestinationAccountID, p.IdempotencyKey); err != nil {
		return nil, err
	}
	if id, ok := f.keys[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		out := *f.intents[id]
		return &out, nil
	}
	status := "requires_payment_method"
	id := f.nextID("pi")
	pi := &PaymentIntent{
		ID:                  id,
		ClientSecret:        id + "_secret",
		Status:              status,
		AmountCents:         p.AmountCents,
		Currency:            p.Currency,
		ManualCapture:       p.ManualCapture,
		ApplicationFeeCents: p.ApplicationFeeCents,
		Metadata:            p.Metadata,
	}
	f.intents[id] = pi
	if p.IdempotencyKey != "" {
		f.keys[p.IdempotencyKey] = id
	}
	out := *pi
	return &out, nil
}

// Authorize moves a manual-capture intent to requires_capture, as a
// customer confirming the card would.
func (f *Fake) Authorize(paymentIntentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pi, ok := f.intents[paymentIntentID]; ok {
		pi.Status = "requires_capture"
	}
}

func (f *Fake) CapturePaymentIntent(_ context.Context, paymentIntentID string, p CaptureParams) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("payment_intent.capture", paymentIntentID, p.IdempotencyKey); err != nil {
		return nil, err
	}
	pi, ok := f.intents[paymentIntentID]
	if !ok {
		return nil, missing("payment_intent", paymentIntentID)
	}
	if pi.Status == "succeeded" {
		out := *pi
		return &out, nil
	}
	if pi.Status == "canceled" {
		return nil, apperr.New(apperr.InvalidInput, "processor: payment intent is canceled")
	}
	amount := pi.AmountCents
	if p.AmountCents != nil {
		if *p.AmountCents > pi.AmountCents {
			return nil, apperr.New(apperr.InvalidInput, "processor: amount_to_capture exceeds the authorized amount")
		}
		amount = *p.AmountCents
	}
	if p.ApplicationFeeCents != nil {
		pi.ApplicationFeeCents = *p.ApplicationFeeCents
	}
	pi.AmountReceivedCents = amount
	pi.Status = "succeeded"
	out := *pi
	return &out, nil
}

func (f *Fake) CancelPaymentIntent(_ context.Context, paymentIntentID string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("payment_intent.cancel", paymentIntentID, ""); err != nil {
		return nil, err
	}
	pi, ok := f.intents[paymentIntentID]
	if !ok {
		return nil, missing("payment_intent", paymentIntentID)
	}
	if pi.Status == "succeeded" {
		return nil, apperr.New(apperr.InvalidInput, "processor: a succeeded payment intent cannot be canceled")
	}
	pi.Status = "canceled"
	out := *pi
	return &out, nil
}

func (f *Fake) CreateRefund(_ context.Context, p RefundParams) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("refund.create", p.PaymentIntentID, p.IdempotencyKey); err != nil {
		return nil, err
	}
	if id, ok := f.keys[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		out := *f.refunds[id]
		return &out, nil
	}
	amount := int64(0)
	if pi, ok := f.intents[p.PaymentIntentID]; ok {
		amount = pi.AmountReceivedCents
	}
	if p.AmountCents != nil {
		amount = *p.AmountCents
	}
	r := &Refund{ID: f.nextID("re"), AmountCents: amount, Status: "succeeded"}
	f.refunds[r.ID] = r
	if p.IdempotencyKey != "" {
		f.keys[p.IdempotencyKey] = r.ID
	}
	out := *r
	return &out, nil
}

func (f *Fake) GetCharge(_ context.Context, chargeID string) (*Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("charge.retrieve", chargeID, ""); err != nil {
		return nil, err
	}
	c, ok := f.charges[chargeID]
	if !ok {
		return nil, missing("charge", chargeID)
	}
	out := *c
	return &out, nil
}

func (f *Fake) ListInvoices(_ context.Context, customerID string, limit int) ([]*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("invoice.list", customerID, ""); err != nil {
		return nil, err
	}
	var out []*Invoice
	for _, inv := range f.invoices[customerID] {
		if len(out) == limit {
			break
		}
		cp := *inv
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) UpcomingInvoice(_ context.Context, customerID string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("invoice.preview", customerID, ""); err != nil {
		return nil, err
	}
	inv, ok := f.upcoming[customerID]
	if !ok {
		return nil, nil
	}
	out := *inv
	return &out, nil
}

var _ Client = (*Fake)(nil)
