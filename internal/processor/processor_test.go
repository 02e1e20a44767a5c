package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/circuitbreaker"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/retry"
)

func TestRequire(t *testing.T) {
	err := Require(nil)
	assert.ErrorIs(t, err, apperr.NotConfigured)
	assert.NoError(t, Require(NewFake()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"server error", &stripe.Error{HTTPStatusCode: 503, Msg: "unavailable"}, apperr.Upstream},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429, Msg: "slow down"}, apperr.Upstream},
		{"card declined", &stripe.Error{HTTPStatusCode: 402, Msg: "Your card was declined."}, apperr.InvalidInput},
		{"bad request", &stripe.Error{HTTPStatusCode: 400, Msg: "Invalid currency"}, apperr.InvalidInput},
		{"network", errors.New("dial tcp: i/o timeout"), apperr.Upstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.kind, apperr.KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
	assert.NoError(t, Classify(nil))
}

func TestClassify_CarriesProcessorMessage(t *testing.T) {
	err := Classify(&stripe.Error{HTTPStatusCode: 402, Msg: "Your card was declined."})
	status, code, msg := apperr.Status(err)
	assert.Equal(t, 400, status)
	assert.Equal(t, "invalid_input", code)
	assert.Equal(t, "processor: Your card was declined.", msg)
}

func newTestStripe() *Stripe {
	return &Stripe{
		breaker: circuitbreaker.New(2, time.Minute),
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
}

func TestCall_RetriesUpstreamOnly(t *testing.T) {
	s := newTestStripe()
	ctx := context.Background()

	var calls int
	err := s.call(ctx, "test.retry", func() error {
		calls++
		if calls < 3 {
			return &stripe.Error{HTTPStatusCode: 500}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ProcessorCallsTotal.WithLabelValues("test.retry", "upstream_error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ProcessorCallsTotal.WithLabelValues("test.retry", "success")))

	calls = 0
	err = s.call(ctx, "test.declined", func() error {
		calls++
		return &stripe.Error{HTTPStatusCode: 402, Msg: "declined"}
	})
	assert.ErrorIs(t, err, apperr.InvalidInput)
	assert.Equal(t, 1, calls)
}

func TestCall_OpensCircuitAfterExhaustedRetries(t *testing.T) {
	s := newTestStripe()
	ctx := context.Background()
	outage := func() error { return &stripe.Error{HTTPStatusCode: 502} }

	require.Error(t, s.call(ctx, "test.outage", outage))
	require.Error(t, s.call(ctx, "test.outage", outage))
	assert.Equal(t, circuitbreaker.StateOpen, s.Breaker().State("test.outage"))

	var ran bool
	err := s.call(ctx, "test.outage", func() error { ran = true; return nil })
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, ran)
}

func TestFake_PaymentIntentReplaysIdempotencyKey(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	p := PaymentIntentParams{
		AmountCents:          100000,
		Currency:             "usd",
		DestinationAccountID: "acct_1",
		ApplicationFeeCents:  7000,
		IdempotencyKey:       "booking:b1:rental",
	}

	first, err := f.CreatePaymentIntent(ctx, p)
	require.NoError(t, err)
	second, err := f.CreatePaymentIntent(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(7000), second.ApplicationFeeCents)
	assert.Len(t, f.Calls("payment_intent.create"), 2)
	assert.Equal(t, "booking:b1:rental", f.Calls("payment_intent.create")[0].IdempotencyKey)

	p.IdempotencyKey = "booking:b2:rental"
	third, err := f.CreatePaymentIntent(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestFake_CaptureLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	pi, err := f.CreatePaymentIntent(ctx, PaymentIntentParams{AmountCents: 50000, Currency: "usd", ManualCapture: true})
	require.NoError(t, err)
	assert.True(t, pi.ManualCapture)
	f.Authorize(pi.ID)

	over := int64(60000)
	_, err = f.CapturePaymentIntent(ctx, pi.ID, CaptureParams{AmountCents: &over})
	assert.ErrorIs(t, err, apperr.InvalidInput)

	partial := int64(20000)
	fee := int64(0)
	captured, err := f.CapturePaymentIntent(ctx, pi.ID, CaptureParams{AmountCents: &partial, ApplicationFeeCents: &fee})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", captured.Status)
	assert.Equal(t, int64(20000), captured.AmountReceivedCents)

	_, err = f.CancelPaymentIntent(ctx, pi.ID)
	assert.ErrorIs(t, err, apperr.InvalidInput)
}

func TestFake_FailOn(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	outage := apperr.Wrap(apperr.Upstream, errors.New("503"))

	f.FailOn("refund.create", outage)
	_, err := f.CreateRefund(ctx, RefundParams{PaymentIntentID: "pi_1"})
	assert.ErrorIs(t, err, apperr.Upstream)

	f.FailOn("refund.create", nil)
	amount := int64(3000)
	r, err := f.CreateRefund(ctx, RefundParams{PaymentIntentID: "pi_1", AmountCents: &amount, IdempotencyKey: "booking:b1:refund:3000"})
	require.NoError(t, err)
	assert.Equal(t, int64(3000), r.AmountCents)

	again, err := f.CreateRefund(ctx, RefundParams{PaymentIntentID: "pi_1", AmountCents: &amount, IdempotencyKey: "booking:b1:refund:3000"})
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
}

func TestFake_AccountsAndSubscriptions(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	a, err := f.CreateAccount(ctx, CreateAccountParams{TenantID: "t1", Country: "US"})
	require.NoError(t, err)
	again, err := f.CreateAccount(ctx, CreateAccountParams{TenantID: "t1", Country: "US"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	_, err = f.GetAccount(ctx, "acct_missing")
	assert.ErrorIs(t, err, apperr.InvalidInput)

	f.PutSubscription(Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_starter"})
	f.PutSubscription(Subscription{ID: "sub_2", CustomerID: "cus_1", Status: "canceled"})
	active, err := f.ListActiveSubscriptions(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sub_1", active[0].ID)

	inv, err := f.UpcomingInvoice(ctx, "cus_1")
	require.NoError(t, err)
	assert.Nil(t, inv)
}
