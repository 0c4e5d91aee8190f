package payments

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/internal/audit"
	"github.com/lifthub/carpool/internal/notifications"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/eventbus"
	"github.com/lifthub/carpool/pkg/logger"
)

// HandleWebhook verifies, deduplicates and applies one provider event.
// Every state change is a guarded conditional UPDATE, so provider retries
// after a mid-handler crash are safe: the ledger mark happens strictly after
// all side effects.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := s.verifyEvent(ctx, payload, signature)
	if err != nil {
		return nil, err
	}

	if s.ledger != nil && s.ledger.SeenWebhook(ctx, providerStripe, event.ID) {
		logger.InfoContext(ctx, "webhook replay dropped",
			zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
		return &WebhookResult{Received: true, Replay: true}, nil
	}

	switch event.Type {
	case "payment_intent.succeeded":
		err = s.applyIntentEvent(ctx, event, s.store.MarkPaid, s.onPaymentSucceeded)
	case "payment_intent.payment_failed":
		err = s.applyIntentEvent(ctx, event, s.store.MarkFailed, s.onPaymentFailed)
	case "payment_intent.canceled":
		err = s.applyIntentEvent(ctx, event, s.store.MarkCanceled, s.onPaymentCanceled)
	default:
		logger.DebugContext(ctx, "unhandled webhook event type",
			zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
	}
	if err != nil {
		// 5xx: the provider redelivers and the guarded UPDATEs absorb it.
		return nil, err
	}

	if s.ledger != nil {
		s.ledger.MarkWebhook(ctx, providerStripe, event.ID, string(event.Type))
	}
	return &WebhookResult{Received: true}, nil
}

func (s *Service) verifyEvent(ctx context.Context, payload []byte, signature string) (*stripe.Event, error) {
	if s.cfg.WebhookSecret != "" {
		event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
		if err != nil {
			return nil, common.NewAuthenticationError("invalid webhook signature")
		}
		return &event, nil
	}

	if s.isProd {
		return nil, common.NewConfigurationError("webhook secret is not configured")
	}

	logger.WarnContext(ctx, "webhook signature verification skipped: no secret configured")
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, common.NewValidationError("invalid webhook payload")
	}
	return &event, nil
}

type transitionFunc func(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error)

// applyIntentEvent decodes the intent, matches it against the bound booking
// and applies the guarded transition. Stale or mismatched events are dropped
// without error so the provider stops redelivering them.
func (s *Service) applyIntentEvent(ctx context.Context, event *stripe.Event, transition transitionFunc, onApplied func(ctx context.Context, booking *Booking, pi *stripe.PaymentIntent)) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return common.NewValidationError("invalid payment intent payload")
	}

	bookingID := pi.Metadata["booking_id"]
	if bookingID == "" {
		logger.WarnContext(ctx, "webhook intent without booking metadata",
			zap.String("event_id", event.ID), zap.String("payment_intent_id", pi.ID))
		return nil
	}
	participantID, err := uuid.Parse(bookingID)
	if err != nil {
		logger.WarnContext(ctx, "webhook intent with malformed booking id",
			zap.String("event_id", event.ID), zap.String("booking_id", bookingID))
		return nil
	}

	booking, err := s.store.GetBooking(ctx, participantID)
	if err != nil {
		return err
	}
	if booking == nil || booking.PaymentIntentID == nil || *booking.PaymentIntentID != pi.ID {
		logger.WarnContext(ctx, "webhook intent does not match booking, dropping",
			zap.String("event_id", event.ID), zap.String("payment_intent_id", pi.ID))
		return nil
	}
	if tripID := pi.Metadata["trip_id"]; tripID != "" && tripID != booking.TripID.String() {
		logger.WarnContext(ctx, "webhook metadata trip mismatch, dropping",
			zap.String("event_id", event.ID), zap.String("payment_intent_id", pi.ID))
		return nil
	}
	if userID := pi.Metadata["user_id"]; userID != "" && userID != booking.RiderID.String() {
		logger.WarnContext(ctx, "webhook metadata user mismatch, dropping",
			zap.String("event_id", event.ID), zap.String("payment_intent_id", pi.ID))
		return nil
	}

	applied, err := transition(ctx, participantID, pi.ID)
	if err != nil {
		return err
	}
	if !applied {
		// Another delivery or a later state won; stale event.
		logger.InfoContext(ctx, "webhook transition already applied, dropping",
			zap.String("event_id", event.ID), zap.String("payment_intent_id", pi.ID))
		return nil
	}

	onApplied(ctx, booking, &pi)
	return nil
}

func (s *Service) onPaymentSucceeded(ctx context.Context, booking *Booking, pi *stripe.PaymentIntent) {
	payload := map[string]interface{}{
		"booking_id":        booking.ParticipantID,
		"trip_id":           booking.TripID,
		"payment_intent_id": pi.ID,
		"amount":            pi.Amount,
	}
	s.emit(eventbus.TopicPaymentSucceeded, payload, booking.RiderID, booking.DriverID)

	if s.notify != nil {
		if err := s.notify.Insert(ctx, booking.RiderID, notifications.TypePaymentSucceeded,
			"Payment received", "Your seat is paid for.", payload); err != nil {
			logger.WarnContext(ctx, "payment notification write failed", zap.Error(err))
		}
	}
	s.recordAudit(ctx, booking, audit.ActionPaymentSucceeded, payload)
}

func (s *Service) onPaymentFailed(ctx context.Context, booking *Booking, pi *stripe.PaymentIntent) {
	payload := map[string]interface{}{
		"booking_id":        booking.ParticipantID,
		"trip_id":           booking.TripID,
		"payment_intent_id": pi.ID,
	}
	s.emit(eventbus.TopicPaymentFailed, payload, booking.RiderID)

	if s.notify != nil {
		if err := s.notify.Insert(ctx, booking.RiderID, notifications.TypePaymentFailed,
			"Payment failed", "Your payment did not go through. Please try again.", payload); err != nil {
			logger.WarnContext(ctx, "payment notification write failed", zap.Error(err))
		}
	}
	s.recordAudit(ctx, booking, audit.ActionPaymentFailed, payload)
}

func (s *Service) onPaymentCanceled(ctx context.Context, booking *Booking, pi *stripe.PaymentIntent) {
	s.recordAudit(ctx, booking, audit.ActionPaymentCanceled, map[string]interface{}{
		"booking_id":        booking.ParticipantID,
		"payment_intent_id": pi.ID,
	})
}

func (s *Service) emit(topic string, payload interface{}, userIDs ...uuid.UUID) {
	if s.bus == nil {
		return
	}
	for _, id := range userIDs {
		s.bus.Emit(topic, payload, id.String())
	}
}

func (s *Service) recordAudit(ctx context.Context, booking *Booking, action string, data interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, booking.RiderID, action, "trip_participant", booking.ParticipantID.String(), data); err != nil {
		logger.WarnContext(ctx, "payment audit write failed", zap.Error(err))
	}
}
