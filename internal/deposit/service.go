package deposit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/idgen"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/syncutil"
	"github.com/mbd888/luxbill/internal/traces"
)

var errIncompleteEvent = apperr.New(apperr.InvalidInput, "deposit: event is missing the booking or payment intent")

// FeeRecorder records the marketplace fee withheld from a captured deposit.
type FeeRecorder interface {
	EnsureCharge(ctx context.Context, c ledger.Charge) (*ledger.Entry, error)
}

// AuthorizeRequest describes a new hold.
type AuthorizeRequest struct {
	TenantID             string
	BookingID            string
	AmountCents          int64
	Currency             string
	CustomerEmail        string
	DestinationAccountID string
	// BookingRate and Plan are the tenant's terms when the hold is placed.
	// The rate is only withheld under FeeBookingRate.
	BookingRate feepolicy.Rate
	Plan        feepolicy.Plan
}

// ProcessorDeposit is the processor's view of a deposit payment intent.
type ProcessorDeposit struct {
	TenantID            string
	BookingID           string
	PaymentIntentID     string
	AmountCents         int64
	ReceivedCents       int64
	ApplicationFeeCents int64
	FeeRate             feepolicy.Rate
	Currency            string
	ManualCapture       bool
	Canceled            bool
	// CancellationReason "automatic" marks a hold the processor voided on expiry.
	CancellationReason string
}

func (p ProcessorDeposit) target() Status {
	switch {
	case p.Canceled && p.CancellationReason == "automatic":
		return StatusExpired
	case p.Canceled:
		return StatusCanceled
	case p.ManualCapture && p.ReceivedCents == 0:
		return StatusAuthorized
	default:
		return StatusCaptured
	}
}

var auditAction = map[Status]string{
	StatusAuthorized: audit.ActionDepositAuthorized,
	StatusCaptured:   audit.ActionDepositCaptured,
	StatusReleased:   audit.ActionDepositReleased,
	StatusCanceled:   audit.ActionDepositCanceled,
	StatusExpired:    audit.ActionDepositExpired,
}

// Service implements the deposit state machine.
type Service struct {
	store  Store
	proc   processor.Client
	fees   FeeRecorder
	runner storage.Runner
	audit  *audit.Recorder
	policy FeePolicy
	locks  *syncutil.KeyLock
	now    func() time.Time
}

// NewService creates a deposit service. proc may be nil when no processor
// is configured.
func NewService(store Store, proc processor.Client, fees FeeRecorder, runner storage.Runner, rec *audit.Recorder, policy FeePolicy) *Service {
	if policy == "" {
		policy = FeeNone
	}
	return &Service{
		store:  store,
		proc:   proc,
		fees:   fees,
		runner: runner,
		audit:  rec,
		policy: policy,
		locks:  syncutil.NewKeyLock(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Authorize places a manual-capture hold for a booking. A booking that
// already holds a live authorization gets ErrAlreadyAuthorized without a
// processor call. Re-authorizations after a terminal deposit use a fresh
// idempotency key.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (out *Deposit, err error) {
	ctx, span := traces.StartSpan(ctx, "deposit.Authorize",
		traces.TenantID(req.TenantID), traces.BookingID(req.BookingID), traces.AmountCents(req.AmountCents))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	if req.TenantID == "" || req.BookingID == "" || req.DestinationAccountID == "" {
		return nil, ErrInvalidRequest
	}
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock, err := s.locks.Lock(ctx, "booking:"+req.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.ListByBooking(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, d := range existing {
		if d.Status != StatusAuthorized {
			continue
		}
		if !d.Lapsed(now) {
			return nil, ErrAlreadyAuthorized
		}
		if err := s.lapse(ctx, d); err != nil {
			return nil, err
		}
	}

	key := idgen.IdempotencyKey(req.BookingID, "deposit")
	if n := len(existing); n > 0 {
		key = idgen.IdempotencyKey(req.BookingID, "deposit", n)
	}

	var rate feepolicy.Rate
	if s.policy == FeeBookingRate {
		rate = req.BookingRate
	}
	currency := strings.ToLower(req.Currency)

	pi, err := s.proc.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		AmountCents:          req.AmountCents,
		Currency:             currency,
		DestinationAccountID: req.DestinationAccountID,
		ManualCapture:        true,
		ReceiptEmail:         req.CustomerEmail,
		Description:          "Security deposit",
		Metadata: map[string]string{
			"bookingId": req.BookingID,
			"tenantId":  req.TenantID,
			"type":      "deposit",
			"feeBps":    strconv.FormatInt(int64(rate), 10),
		},
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	d := &Deposit{
		ID:              idgen.WithPrefix(idgen.PrefixDeposit),
		BookingID:       req.BookingID,
		TenantID:        req.TenantID,
		PaymentIntentID: pi.ID,
		AmountCents:     req.AmountCents,
		Currency:        currency,
		Status:          StatusAuthorized,
		FeeRateApplied:  rate,
		PlanSnapshot:    req.Plan,
		ClientSecret:    pi.ClientSecret,
		ExpiresAt:       now.Add(HoldDuration),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		return s.commit(ctx, nil, d)
	})
	if errors.Is(err, ErrDepositExists) {
		// The processor event for this intent was applied first.
		cur, gerr := s.store.GetByPaymentIntent(ctx, pi.ID)
		if gerr != nil {
			return nil, gerr
		}
		cur.ClientSecret = pi.ClientSecret
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Capture takes amountCents (nil for the full hold) from an authorized
// deposit.
func (s *Service) Capture(ctx context.Context, tenantID, depositID string, amountCents *int64) (out *Deposit, err error) {
	ctx, span := traces.StartSpan(ctx, "deposit.Capture", traces.TenantID(tenantID), traces.DepositID(depositID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, "deposit:"+depositID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.Get(ctx, tenantID, depositID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusAuthorized {
		return nil, ErrInvalidState
	}
	now := s.now()
	if d.Lapsed(now) {
		if err := s.lapse(ctx, d); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	amount := d.AmountCents
	if amountCents != nil {
		amount = *amountCents
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > d.AmountCents {
		return nil, ErrOverCapture
	}

	params := processor.CaptureParams{
		AmountCents:    &amount,
		IdempotencyKey: idgen.IdempotencyKey(d.BookingID, "deposit_capture", d.ID),
	}
	var fee int64
	if d.FeeRateApplied > 0 {
		if fee, err = feepolicy.ApplicationFee(amount, d.FeeRateApplied, nil); err != nil {
			return nil, err
		}
		params.ApplicationFeeCents = &fee
	}
	if _, err := s.proc.CapturePaymentIntent(ctx, d.PaymentIntentID, params); err != nil {
		return nil, err
	}

	next := d.clone()
	next.Status = StatusCaptured
	next.CapturedCents = amount
	next.ApplicationFeeCents = fee
	next.CapturedAt = &now
	next.UpdatedAt = now
	return s.settle(ctx, d, next)
}

// Release cancels an authorized hold.
func (s *Service) Release(ctx context.Context, tenantID, depositID string) (out *Deposit, err error) {
	ctx, span := traces.StartSpan(ctx, "deposit.Release", traces.TenantID(tenantID), traces.DepositID(depositID))
	defer func() { traces.End(span, err) }()

	if err := processor.Require(s.proc); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, "deposit:"+depositID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.Get(ctx, tenantID, depositID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusAuthorized {
		return nil, ErrInvalidState
	}
	now := s.now()
	if d.Lapsed(now) {
		if err := s.lapse(ctx, d); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	if _, err := s.proc.CancelPaymentIntent(ctx, d.PaymentIntentID); err != nil {
		return nil, err
	}

	next := d.clone()
	next.Status = StatusReleased
	next.ReleasedAt = &now
	next.UpdatedAt = now
	return s.settle(ctx, d, next)
}

// settle writes a transition out of AUTHORIZED. When a processor event got
// there first with the same outcome, the stored deposit is returned.
func (s *Service) settle(ctx context.Context, before, next *Deposit) (*Deposit, error) {
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		return s.commit(ctx, before, next)
	})
	if errors.Is(err, ErrInvalidState) {
		cur, gerr := s.store.Get(ctx, next.ID)
		if gerr == nil && cur.Status == next.Status {
			return cur, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ApplyProcessorState reconciles a deposit with a processor event. Unknown
// intents are recorded; terminal deposits are never moved.
func (s *Service) ApplyProcessorState(ctx context.Context, p ProcessorDeposit) (out *Deposit, err error) {
	ctx, span := traces.StartSpan(ctx, "deposit.ApplyProcessorState",
		traces.TenantID(p.TenantID), traces.BookingID(p.BookingID))
	defer func() { traces.End(span, err) }()

	if p.BookingID == "" || p.PaymentIntentID == "" {
		return nil, errIncompleteEvent
	}
	unlock, err := s.locks.Lock(ctx, "booking:"+p.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	target := p.target()
	now := s.now()

	cur, err := s.store.GetByPaymentIntent(ctx, p.PaymentIntentID)
	if errors.Is(err, ErrDepositNotFound) {
		d := &Deposit{
			ID:              idgen.WithPrefix(idgen.PrefixDeposit),
			BookingID:       p.BookingID,
			TenantID:        p.TenantID,
			PaymentIntentID: p.PaymentIntentID,
			AmountCents:     p.AmountCents,
			Currency:        strings.ToLower(p.Currency),
			Status:          target,
			FeeRateApplied:  p.FeeRate,
			ExpiresAt:       now.Add(HoldDuration),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if target == StatusCaptured {
			d.CapturedCents = p.ReceivedCents
			d.ApplicationFeeCents = p.ApplicationFeeCents
			d.CapturedAt = &now
		}
		err = s.runner.InTx(ctx, func(ctx context.Context) error {
			return s.commit(ctx, nil, d)
		})
		switch {
		case err == nil:
			return d, nil
		case errors.Is(err, ErrAlreadyAuthorized):
			logging.L(ctx).Warn("second live deposit hold for booking ignored",
				"booking_id", p.BookingID, "payment_intent_id", p.PaymentIntentID)
			return nil, nil
		case !errors.Is(err, ErrDepositExists):
			return nil, err
		}
		if cur, err = s.store.GetByPaymentIntent(ctx, p.PaymentIntentID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if cur.Status.Terminal() || target == StatusAuthorized {
		if cur.Status != target {
			logging.L(ctx).Debug("deposit event does not change state",
				"deposit_id", cur.ID, "status", cur.Status, "event_status", target)
		}
		return cur, nil
	}

	next := cur.clone()
	next.Status = target
	next.UpdatedAt = now
	switch target {
	case StatusCaptured:
		next.CapturedCents = p.ReceivedCents
		next.ApplicationFeeCents = p.ApplicationFeeCents
		next.CapturedAt = &now
	case StatusCanceled, StatusExpired:
		next.ReleasedAt = &now
	}
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		return s.commit(ctx, cur, next)
	})
	if errors.Is(err, ErrInvalidState) {
		return s.store.Get(ctx, cur.ID)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// lapse marks an authorization past its hold window as expired.
func (s *Service) lapse(ctx context.Context, d *Deposit) error {
	next := d.clone()
	next.Status = StatusExpired
	next.UpdatedAt = s.now()
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		return s.commit(ctx, d, next)
	})
	if errors.Is(err, ErrInvalidState) {
		return nil
	}
	return err
}

// commit persists next (creating it when before is nil), records any
// withheld fee and queues the audit entry and metrics.
func (s *Service) commit(ctx context.Context, before, next *Deposit) error {
	if before == nil {
		if err := s.store.Create(ctx, next); err != nil {
			return err
		}
	} else if err := s.store.Transition(ctx, next, before.Status); err != nil {
		return err
	}

	if next.Status == StatusCaptured && next.ApplicationFeeCents > 0 && s.fees != nil {
		_, err := s.fees.EnsureCharge(ctx, ledger.Charge{
			BookingID:          next.BookingID,
			TenantID:           next.TenantID,
			ChargeType:         ledger.ChargeDeposit,
			FeeCents:           next.ApplicationFeeCents,
			Rate:               next.FeeRateApplied,
			Plan:               next.PlanSnapshot,
			BookingAmountCents: next.CapturedCents,
			Currency:           next.Currency,
			PaymentIntentID:    next.PaymentIntentID,
		})
		if err != nil {
			return err
		}
	}

	var prev any
	if before != nil {
		prev = before
	}
	s.audit.Record(ctx, audit.Change{
		TenantID: next.TenantID,
		Action:   auditAction[next.Status],
		Entity:   "deposit",
		EntityID: next.ID,
		Before:   prev,
		After:    next,
		Metadata: map[string]string{"bookingId": next.BookingID, "paymentIntentId": next.PaymentIntentID},
	})
	storage.AfterCommit(ctx, func() {
		metrics.DepositTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
		logging.L(ctx).Info("deposit transitioned",
			"deposit_id", next.ID, "booking_id", next.BookingID, "to", next.Status,
			"captured_cents", next.CapturedCents)
	})
	return nil
}

// Get returns a tenant's deposit.
func (s *Service) Get(ctx context.Context, tenantID, depositID string) (*Deposit, error) {
	d, err := s.store.Get(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, ErrDepositNotFound
	}
	return d, nil
}

// ListByBooking returns a tenant's deposits for a booking, oldest first.
func (s *Service) ListByBooking(ctx context.Context, tenantID, bookingID string) ([]*Deposit, error) {
	all, err := s.store.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	out := make([]*Deposit, 0, len(all))
	for _, d := range all {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListLapsed returns authorized deposits past their hold window.
func (s *Service) ListLapsed(ctx context.Context, limit int) ([]*Deposit, error) {
	return s.store.ListLapsed(ctx, s.now(), limit)
}
