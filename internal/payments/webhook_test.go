package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthub/carpool/internal/idempotency"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/eventbus"
	redisclient "github.com/lifthub/carpool/pkg/redis"
)

// fakeBus records emissions per topic.
type fakeBus struct {
	mu     sync.Mutex
	topics map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{topics: make(map[string]int)}
}

func (f *fakeBus) Emit(topic string, _ interface{}, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic]++
}

func (f *fakeBus) Subscribe(string) (<-chan eventbus.Event, func()) {
	ch := make(chan eventbus.Event)
	return ch, func() { close(ch) }
}

func (f *fakeBus) Close() {}

func (f *fakeBus) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[topic]
}

var _ eventbus.Bus = (*fakeBus)(nil)

type webhookFixture struct {
	store *fakeBookingStore
	bus   *fakeBus
	svc   *Service
}

// newWebhookFixture builds a service with no webhook secret in development
// mode, so events parse without a signature. The redis mock carries no
// expectations: every KV call fails and the ledger degrades to its durable
// tier, which is the path under test.
func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	db, _ := redismock.NewClientMock()
	store := newFakeBookingStore()
	bus := newFakeBus()
	ledger := idempotency.NewLedger(redisclient.NewFromRedisClient(db), newFakeDurableStore())

	svc := NewService(store, &fakeStripe{}, ledger, bus, nil, nil,
		config.StripeConfig{SecretKey: "sk_test"}, false)
	return &webhookFixture{store: store, bus: bus, svc: svc}
}

func pendingBooking(store *fakeBookingStore, intentID string) *Booking {
	b := acceptedBooking(uuid.New())
	b.PaymentIntentID = &intentID
	b.PaymentStatus = StatusPending
	store.put(b)
	return b
}

func intentEvent(eventID, eventType, intentID string, booking *Booking) []byte {
	payload := map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":     intentID,
				"amount": booking.AmountMinor(),
				"metadata": map[string]string{
					"booking_id": booking.ParticipantID.String(),
					"trip_id":    booking.TripID.String(),
					"user_id":    booking.RiderID.String(),
				},
			},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("marshal test event: %v", err))
	}
	return raw
}

func TestWebhookSucceededOnce(t *testing.T) {
	fx := newWebhookFixture(t)
	booking := pendingBooking(fx.store, "pi_1")

	result, err := fx.svc.HandleWebhook(context.Background(),
		intentEvent("evt_1", "payment_intent.succeeded", "pi_1", booking), "")
	require.NoError(t, err)
	assert.True(t, result.Received)
	assert.False(t, result.Replay)

	stored, _ := fx.store.GetBooking(context.Background(), booking.ParticipantID)
	assert.Equal(t, StatusPaid, stored.PaymentStatus)
	// Rider and driver each get one emission.
	assert.Equal(t, 2, fx.bus.count(eventbus.TopicPaymentSucceeded))
}

func TestWebhookReplayIsDropped(t *testing.T) {
	fx := newWebhookFixture(t)
	booking := pendingBooking(fx.store, "pi_1")
	payload := intentEvent("evt_1", "payment_intent.succeeded", "pi_1", booking)

	first, err := fx.svc.HandleWebhook(context.Background(), payload, "")
	require.NoError(t, err)
	assert.False(t, first.Replay)

	// Redelivery of the same event id: acknowledged as replay, payment not
	// double-counted, no second emission.
	second, err := fx.svc.HandleWebhook(context.Background(), payload, "")
	require.NoError(t, err)
	assert.True(t, second.Replay)

	stored, _ := fx.store.GetBooking(context.Background(), booking.ParticipantID)
	assert.Equal(t, StatusPaid, stored.PaymentStatus)
	assert.Equal(t, 2, fx.bus.count(eventbus.TopicPaymentSucceeded))
}

func TestWebhookFailedThenSucceeded(t *testing.T) {
	fx := newWebhookFixture(t)
	booking := pendingBooking(fx.store, "pi_1")

	_, err := fx.svc.HandleWebhook(context.Background(),
		intentEvent("evt_1", "payment_intent.payment_failed", "pi_1", booking), "")
	require.NoError(t, err)

	stored, _ := fx.store.GetBooking(context.Background(), booking.ParticipantID)
	assert.Equal(t, StatusFailed, stored.PaymentStatus)
	assert.Equal(t, 1, fx.bus.count(eventbus.TopicPaymentFailed))

	// A later success still lands: failed -> paid is a legal transition.
	_, err = fx.svc.HandleWebhook(context.Background(),
		intentEvent("evt_2", "payment_intent.succeeded", "pi_1", booking), "")
	require.NoError(t, err)

	stored, _ = fx.store.GetBooking(context.Background(), booking.ParticipantID)
	assert.Equal(t, StatusPaid, stored.PaymentStatus)
}

func TestWebhookCanceled(t *testing.T) {
	fx := newWebhookFixture(t)
	booking := pendingBooking(fx.store, "pi_1")

	_, err := fx.svc.HandleWebhook(context.Background(),
		intentEvent("evt_1", "payment_intent.canceled", "pi_1", booking), "")
	require.NoError(t, err)

	stored, _ := fx.store.GetBooking(context.Background(), booking.ParticipantID)
	assert.Equal(t, StatusCanceled, stored.PaymentStatus)
}

func TestWebhookStaleIntentDropped(t *testing.T) {
	fx := newWebhookFixture(t)
	booking := pendingBooking(fx.store, "pi_current")

	// Event references an intent the booking is no longer bound to.
	result, err := fx.svc.HandleWebhook(context.Background(),
		intentEvent("evt_1", "payment_intent.succeeded", "pi_stale", booking), "")
	require.NoError(t, err)
	assert.True(t, result.Received)

	stored, _ := fx.store.GetBooking(context.Background(), booking.ParticipantID)
	assert.Equal(t, StatusPending, stored.PaymentStatus)
	assert.Zero(t, fx.bus.count(eventbus.TopicPaymentSucceeded))
}

func TestWebhookMissingMetadataDropped(t *testing.T) {
	fx := newWebhookFixture(t)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	result, err := fx.svc.HandleWebhook(context.Background(), payload, "")
	require.NoError(t, err)
	assert.True(t, result.Received)
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	fx := newWebhookFixture(t)

	payload := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	result, err := fx.svc.HandleWebhook(context.Background(), payload, "")
	require.NoError(t, err)
	assert.True(t, result.Received)
}

func TestWebhookSecretRequiredInProduction(t *testing.T) {
	db, _ := redismock.NewClientMock()
	svc := NewService(newFakeBookingStore(), &fakeStripe{},
		idempotency.NewLedger(redisclient.NewFromRedisClient(db), newFakeDurableStore()),
		nil, nil, nil, config.StripeConfig{SecretKey: "sk_live"}, true)

	_, err := svc.HandleWebhook(context.Background(), []byte(`{"id":"evt_1"}`), "")
	assert.Equal(t, common.CodeConfiguration, common.AsAppError(err).ErrorCode)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	db, _ := redismock.NewClientMock()
	svc := NewService(newFakeBookingStore(), &fakeStripe{},
		idempotency.NewLedger(redisclient.NewFromRedisClient(db), newFakeDurableStore()),
		nil, nil, nil, config.StripeConfig{SecretKey: "sk_test", WebhookSecret: "whsec_test"}, false)

	_, err := svc.HandleWebhook(context.Background(), []byte(`{"id":"evt_1"}`), "t=1,v1=bad")
	assert.Equal(t, common.CodeAuthentication, common.AsAppError(err).ErrorCode)
}
