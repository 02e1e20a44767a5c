package webhooks

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
)

// Minimal views of the processor objects carried in event payloads.

type paymentIntentObject struct {
	ID                   string            `json:"id"`
	Amount               int64             `json:"amount"`
	AmountReceived       int64             `json:"amount_received"`
	Currency             string            `json:"currency"`
	Status               string            `json:"status"`
	CaptureMethod        string            `json:"capture_method"`
	ApplicationFeeAmount int64             `json:"application_fee_amount"`
	CancellationReason   string            `json:"cancellation_reason"`
	Metadata             map[string]string `json:"metadata"`
	LastPaymentError     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (p paymentIntentObject) isDeposit() bool { return p.Metadata["type"] == "deposit" }

func (p paymentIntentObject) failureReason() string {
	if p.LastPaymentError == nil {
		return "payment failed"
	}
	if p.LastPaymentError.Message != "" {
		return p.LastPaymentError.Message
	}
	return p.LastPaymentError.Code
}

type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
}

type disputeObject struct {
	ID              string `json:"id"`
	Charge          string `json:"charge"`
	PaymentIntent   string `json:"payment_intent"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason"`
	Status          string `json:"status"`
	EvidenceDetails struct {
		DueBy int64 `json:"due_by"`
	} `json:"evidence_details"`
}

type checkoutSessionObject struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	SetupIntent  string            `json:"setup_intent"`
	Metadata     map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountDue    int64  `json:"amount_due"`
	AmountPaid   int64  `json:"amount_paid"`
	AttemptCount int    `json:"attempt_count"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

type setupIntentObject struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	PaymentMethod string            `json:"payment_method"`
	Metadata      map[string]string `json:"metadata"`
}

type accountObject struct {
	ID string `json:"id"`
}

type capabilityObject struct {
	ID      string `json:"id"`
	Account string `json:"account"`
}

func decode[T any](ev *stripe.Event) (T, error) {
	var v T
	if ev.Data == nil {
		return v, apperr.New(apperr.InvalidInput, fmt.Sprintf("webhooks: %s has no data", ev.Type))
	}
	if err := json.Unmarshal(ev.Data.Raw, &v); err != nil {
		return v, apperr.Wrap(apperr.InvalidInput, fmt.Errorf("webhooks: decode %s: %w", ev.Type, err))
	}
	return v, nil
}

// rateFromMetadata reads the feeBps snapshot written at charge creation.
func rateFromMetadata(md map[string]string) (feepolicy.Rate, bool) {
	raw, ok := md["feeBps"]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return feepolicy.Rate(n), true
}
