package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/bookings"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	fake     *processor.Fake
	bookings *bookings.Service
	tenants  *tenant.Service
	accounts *connect.Tracker
	ledger   *ledger.Ledger
	audit    *audit.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := func() time.Time { return t0 }
	fake := processor.NewFake()
	auditStore := audit.NewMemoryStore()
	rec := audit.NewRecorder(auditStore)
	runner := storage.MemoryRunner{}

	h := &harness{
		fake:     fake,
		bookings: bookings.NewService(bookings.NewMemoryStore()),
		tenants:  tenant.NewService(tenant.NewMemoryStore(), runner, rec, "US", "usd").WithClock(now),
		accounts: connect.NewTracker(connect.NewMemoryStore(), fake, rec, "https://app.example.test", "US").WithClock(now),
		ledger:   ledger.New(ledger.NewMemoryStore()).WithClock(now),
		audit:    auditStore,
	}
	deposits := deposit.NewService(deposit.NewMemoryStore(), fake, h.ledger, runner, rec, deposit.FeeNone).WithClock(now)
	h.svc = NewService(Deps{
		Processor: fake,
		Bookings:  h.bookings,
		Tenants:   h.tenants,
		Accounts:  h.accounts,
		Ledger:    h.ledger,
		Deposits:  deposits,
		Runner:    runner,
		Audit:     rec,
	}).WithClock(now)
	return h
}

// onboard gives tenantID a connected account that can take charges.
func (h *harness) onboard(t *testing.T, tenantID string) *connect.Account {
	t.Helper()
	ctx := context.Background()
	a, err := h.accounts.CreateAccount(ctx, tenantID, connect.CreateRequest{})
	require.NoError(t, err)
	h.fake.PutAccount(processor.Account{ID: a.ExternalAccountID, ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true})
	a, err = h.accounts.RefreshStatus(ctx, tenantID)
	require.NoError(t, err)
	return a
}

func (h *harness) booking(t *testing.T, tenantID, id string, amount int64) *bookings.Booking {
	t.Helper()
	b, err := h.bookings.Register(context.Background(), tenantID, "usd", bookings.RegisterRequest{
		ID:               id,
		BookingNumber:    "LX-" + id,
		TotalAmountCents: amount,
		CustomerEmail:    "driver@example.com",
	})
	require.NoError(t, err)
	return b
}

// settle marks the rental payment succeeded, as the processor event would.
func (h *harness) settle(t *testing.T, out *BookingPayment) {
	t.Helper()
	ctx := context.Background()
	p := *out.Payment
	p.Status = bookings.RecordSucceeded
	_, err := h.bookings.RecordPayment(ctx, &p)
	require.NoError(t, err)
	_, err = h.bookings.MarkPaid(ctx, p.BookingID)
	require.NoError(t, err)
}

func TestCreateBookingPayment_PerformanceFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acct := h.onboard(t, "t1")
	h.booking(t, "t1", "b1", 100000)

	out, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, int64(7000), out.ApplicationFeeCents)
	assert.Equal(t, feepolicy.Rate(700), out.FeeRate)
	assert.Equal(t, feepolicy.PlanPerformance, out.Plan)
	assert.NotEmpty(t, out.ClientSecret)
	assert.Equal(t, bookings.RecordPending, out.Payment.Status)

	pi, ok := h.fake.PaymentIntent(out.Payment.PaymentIntentID)
	require.True(t, ok)
	assert.Equal(t, int64(7000), pi.ApplicationFeeCents)
	assert.Equal(t, "rental", pi.Metadata["type"])
	assert.Equal(t, "700", pi.Metadata["feeBps"])

	calls := h.fake.Calls("payment_intent.create")
	require.Len(t, calls, 1)
	assert.Equal(t, "booking:b1:payment", calls[0].IdempotencyKey)
	assert.Equal(t, acct.ExternalAccountID, calls[0].Target)

	entry, err := h.ledger.Get(ctx, "b1", ledger.ChargeRental)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), entry.ApplicationFeeCents)
	assert.Equal(t, feepolicy.Rate(700), entry.FeeRateApplied)

	assert.Contains(t, h.audit.Actions("t1"), audit.ActionBookingPaymentCreated)
}

func TestCreateBookingPayment_RepeatReusesIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onboard(t, "t1")
	h.booking(t, "t1", "b1", 25000)

	first, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
	require.NoError(t, err)
	second, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Payment.PaymentIntentID, second.Payment.PaymentIntentID)
	payments, err := h.bookings.Payments(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestCreateBookingPayment_DIYHasNoFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onboard(t, "t1")
	h.booking(t, "t1", "b1", 100000)
	_, err := h.tenants.SwitchPlan(ctx, "t1", feepolicy.PlanDIY, tenant.SwitchOptions{Reason: tenant.ReasonManual})
	require.NoError(t, err)

	out, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
	require.NoError(t, err)
	assert.Zero(t, out.ApplicationFeeCents)

	_, err = h.ledger.Get(ctx, "b1", ledger.ChargeRental)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestCreateBookingPayment_WithDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onboard(t, "t1")
	h.booking(t, "t1", "b1", 100000)

	out, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{DepositAmountCents: 50000})
	require.NoError(t, err)
	require.NotNil(t, out.Deposit)
	assert.Equal(t, deposit.StatusAuthorized, out.Deposit.Status)
	assert.NotEmpty(t, out.DepositClientSecret)

	again, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{DepositAmountCents: 50000})
	require.NoError(t, err)
	require.NotNil(t, again.Deposit)
	assert.Equal(t, out.Deposit.ID, again.Deposit.ID)
}

func TestCreateBookingPayment_Gates(t *testing.T) {
	ctx := context.Background()

	t.Run("onboarding incomplete", func(t *testing.T) {
		h := newHarness(t)
		h.booking(t, "t1", "b1", 10000)
		_, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
		assert.ErrorIs(t, err, connect.ErrOnboardingIncomplete)
		assert.Empty(t, h.fake.Calls("payment_intent.create"))
	})

	t.Run("other tenant's booking", func(t *testing.T) {
		h := newHarness(t)
		h.onboard(t, "t2")
		h.booking(t, "t1", "b1", 10000)
		_, err := h.svc.CreateBookingPayment(ctx, "t2", "b1", CreateRequest{})
		assert.ErrorIs(t, err, apperr.NotFound)
	})

	t.Run("already paid", func(t *testing.T) {
		h := newHarness(t)
		h.onboard(t, "t1")
		h.booking(t, "t1", "b1", 10000)
		_, err := h.bookings.MarkPaid(ctx, "b1")
		require.NoError(t, err)
		_, err = h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
		assert.ErrorIs(t, err, ErrAlreadyPaid)
	})

	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t)
		h.svc.proc = nil
		_, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
		assert.ErrorIs(t, err, processor.ErrNotConfigured)
	})

	t.Run("processor outage records nothing", func(t *testing.T) {
		h := newHarness(t)
		h.onboard(t, "t1")
		h.booking(t, "t1", "b1", 10000)
		h.fake.FailOn("payment_intent.create", apperr.Wrap(apperr.Upstream, assert.AnError))
		_, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
		assert.ErrorIs(t, err, apperr.Upstream)
		payments, err := h.bookings.Payments(ctx, "b1")
		require.NoError(t, err)
		assert.Empty(t, payments)
	})
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onboard(t, "t1")
	h.booking(t, "t1", "b1", 30000)
	out, err := h.svc.CreateBookingPayment(ctx, "t1", "b1", CreateRequest{})
	require.NoError(t, err)

	_, err = h.svc.Refund(ctx, "t1", RefundRequest{BookingID: "b1"})
	assert.ErrorIs(t, err, ErrNotRefundable)

	h.settle(t, out)

	partial := int64(10000)
	r, err := h.svc.Refund(ctx, "t1", RefundRequest{BookingID: "b1", AmountCents: &partial})
	require.NoError(t, err)
	assert.Equal(t, bookings.TypeRefund, r.Type)
	assert.Equal(t, int64(10000), r.AmountCents)
	assert.NotEmpty(t, r.RefundID)
	assert.Empty(t, r.PaymentIntentID)

	tooMuch := int64(20001)
	_, err = h.svc.Refund(ctx, "t1", RefundRequest{BookingID: "b1", AmountCents: &tooMuch})
	assert.ErrorIs(t, err, ErrOverRefund)
	assert.ErrorIs(t, err, apperr.InvalidInput)

	rest, err := h.svc.Refund(ctx, "t1", RefundRequest{BookingID: "b1", Reason: ReasonDuplicate})
	require.NoError(t, err)
	assert.Equal(t, int64(20000), rest.AmountCents)

	_, err = h.svc.Refund(ctx, "t1", RefundRequest{BookingID: "b1"})
	assert.ErrorIs(t, err, ErrNothingToRefund)

	calls := h.fake.Calls("refund.create")
	require.Len(t, calls, 2)
	assert.Equal(t, "booking:b1:refund:1", calls[0].IdempotencyKey)
	assert.Equal(t, "booking:b1:refund:2", calls[1].IdempotencyKey)
	assert.Contains(t, h.audit.Actions("t1"), audit.ActionRefundCreated)

	// The fee reversal waits for the processor's refund event.
	entry, err := h.ledger.Get(ctx, "b1", ledger.ChargeRental)
	require.NoError(t, err)
	assert.Zero(t, entry.RefundedCents)
}

func TestRefund_RejectsUnknownReason(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Refund(context.Background(), "t1", RefundRequest{BookingID: "b1", Reason: "changed_mind"})
	assert.ErrorIs(t, err, ErrInvalidReason)
	assert.Empty(t, h.fake.Calls("refund.create"))
}

func TestHandler_PaymentAndRefund(t *testing.T) {
	h := newHarness(t)
	h.onboard(t, "t1")
	h.booking(t, "t1", "b1", 40000)

	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyTenantID, "t1")
		c.Next()
	})
	NewHandler(h.svc).RegisterRoutes(v1)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/v1/bookings/b1/payment", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"applicationFeeCents":2800`)

	w = do(http.MethodPost, "/v1/bookings/missing/payment", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodPost, "/v1/billing/refunds", `{"bookingId":"b1","amountCents":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/v1/billing/refunds", `{"bookingId":"b1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}
