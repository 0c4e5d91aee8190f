package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/internal/audit"
	"github.com/lifthub/carpool/internal/idempotency"
	"github.com/lifthub/carpool/internal/notifications"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/eventbus"
	"github.com/lifthub/carpool/pkg/logger"
)

const intentIdemScope = "payments"

// Service is the payment coordinator: intent creation with request-level
// idempotency and webhook reconciliation with replay protection.
type Service struct {
	store  BookingStore
	stripe StripeClient
	ledger *idempotency.Ledger
	bus    eventbus.Bus
	notify notifications.Writer
	audit  audit.Logger
	cfg    config.StripeConfig
	isProd bool
}

// NewService creates a payment coordinator. stripe may be nil when the
// provider is unconfigured; intent creation then fails with
// PAYMENT_UNAVAILABLE.
func NewService(store BookingStore, stripeClient StripeClient, ledger *idempotency.Ledger,
	bus eventbus.Bus, notify notifications.Writer, auditLog audit.Logger,
	cfg config.StripeConfig, isProd bool) *Service {
	return &Service{
		store:  store,
		stripe: stripeClient,
		ledger: ledger,
		bus:    bus,
		notify: notify,
		audit:  auditLog,
		cfg:    cfg,
		isProd: isProd,
	}
}

func (s *Service) currency(booking *Booking) string {
	if booking.Currency != "" {
		return booking.Currency
	}
	if s.cfg.Currency != "" {
		return s.cfg.Currency
	}
	return "zar"
}

// CreateIntent creates (or replays) the payment intent for an accepted
// booking. amountMinor is client-asserted and must equal the server-side
// price; the server price is authoritative.
func (s *Service) CreateIntent(ctx context.Context, participantID uuid.UUID, amountMinor int64, userID uuid.UUID, idemKey string) (*IntentResponse, error) {
	booking, err := s.store.GetBooking(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, common.NewNotFoundError("booking not found", nil)
	}
	if booking.RiderID != userID {
		return nil, common.NewAuthorizationError("only the rider may pay for their booking")
	}
	if booking.Status != "accepted" {
		return nil, common.NewConflictError("booking is not accepted")
	}
	if amountMinor != booking.AmountMinor() {
		return nil, common.NewValidationError(fmt.Sprintf("amount mismatch: expected %d", booking.AmountMinor()))
	}

	if idemKey != "" && s.ledger != nil {
		if cached, found := s.ledger.GetResponse(ctx, intentIdemScope, userID.String(), idemKey); found {
			var resp IntentResponse
			if err := json.Unmarshal(cached, &resp); err == nil {
				resp.Replay = true
				return &resp, nil
			}
			logger.WarnContext(ctx, "discarding corrupt idempotency snapshot",
				zap.String("participant_id", participantID.String()), zap.Error(err))
		}
	}

	if s.stripe == nil {
		return nil, common.NewPaymentUnavailableError("payments are not configured")
	}

	// A pending intent already bound to the row is reused rather than
	// duplicated at the provider.
	if booking.PaymentIntentID != nil && booking.PaymentStatus == StatusPending {
		return s.reuseIntent(ctx, booking, userID, idemKey)
	}

	pi, err := s.stripe.CreatePaymentIntent(
		booking.AmountMinor(),
		s.currency(booking),
		fmt.Sprintf("Carpool trip %s", booking.TripID),
		map[string]string{
			"trip_id":    booking.TripID.String(),
			"user_id":    booking.RiderID.String(),
			"booking_id": booking.ParticipantID.String(),
		},
	)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, common.NewPaymentError("failed to create payment intent", err)
	}

	claimed, err := s.store.ClaimIntent(ctx, participantID, pi.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// A concurrent request claimed first; its intent wins, ours is
		// cancelled best-effort.
		if _, cancelErr := s.stripe.CancelPaymentIntent(pi.ID); cancelErr != nil {
			logger.WarnContext(ctx, "orphan intent cancel failed",
				zap.String("payment_intent_id", pi.ID), zap.Error(cancelErr))
		}
		booking, err = s.store.GetBooking(ctx, participantID)
		if err != nil {
			return nil, err
		}
		if booking == nil || booking.PaymentIntentID == nil {
			return nil, common.NewConflictError("payment intent claim lost")
		}
		return s.reuseIntent(ctx, booking, userID, idemKey)
	}

	resp := &IntentResponse{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Amount:          booking.AmountMinor(),
		Currency:        s.currency(booking),
	}
	s.saveSnapshot(ctx, userID, idemKey, resp)
	return resp, nil
}

func (s *Service) reuseIntent(ctx context.Context, booking *Booking, userID uuid.UUID, idemKey string) (*IntentResponse, error) {
	pi, err := s.stripe.GetPaymentIntent(*booking.PaymentIntentID)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, common.NewPaymentError("failed to retrieve payment intent", err)
	}

	resp := &IntentResponse{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Amount:          booking.AmountMinor(),
		Currency:        s.currency(booking),
	}
	s.saveSnapshot(ctx, userID, idemKey, resp)
	return resp, nil
}

// saveSnapshot persists the response under the idempotency key. The snapshot
// never carries the replay flag: that is computed per request.
func (s *Service) saveSnapshot(ctx context.Context, userID uuid.UUID, idemKey string, resp *IntentResponse) {
	if idemKey == "" || s.ledger == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		logger.WarnContext(ctx, "intent snapshot marshal failed", zap.Error(err))
		return
	}
	s.ledger.SaveResponse(ctx, intentIdemScope, userID.String(), idemKey, raw)
}
