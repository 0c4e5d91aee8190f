package trips

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthub/carpool/internal/idempotency"
	"github.com/lifthub/carpool/pkg/middleware"
	redisclient "github.com/lifthub/carpool/pkg/redis"
	"github.com/lifthub/carpool/pkg/validation"
)

// main.go registers the custom binding tags on gin's engine at startup;
// the test binary has to do the same before handlers bind requests.
func init() {
	validation.RegisterGinTagValidators()
}

// memDurableStore mirrors the ledger's database tier. The redis mock in the
// fixture carries no expectations, so every KV call fails and the ledger
// degrades to this tier.
type memDurableStore struct {
	mu       sync.Mutex
	requests map[string][]byte
}

func newMemDurableStore() *memDurableStore {
	return &memDurableStore{requests: make(map[string][]byte)}
}

func (m *memDurableStore) GetRequestRecord(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.requests[key]
	return raw, ok, nil
}

func (m *memDurableStore) PutRequestRecord(_ context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[key] = response
	return nil
}

func (m *memDurableStore) WebhookSeen(context.Context, string) (bool, error) { return false, nil }
func (m *memDurableStore) MarkWebhook(context.Context, string, string) error { return nil }
func (m *memDurableStore) PruneWebhooks(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var _ idempotency.DurableStore = (*memDurableStore)(nil)

func bookingRouter(t *testing.T, riderID uuid.UUID) (*gin.Engine, *memStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	svc := newTestService(store)
	db, _ := redismock.NewClientMock()
	ledger := idempotency.NewLedger(redisclient.NewFromRedisClient(db), newMemDurableStore())

	r := gin.New()
	g := r.Group("/api/v1")
	g.Use(func(c *gin.Context) {
		c.Set("user_id", riderID)
	})
	g.Use(middleware.IdempotencyKey())
	NewHandler(svc, ledger).RegisterRoutes(g)
	return r, store
}

func TestBookReplayKeepsOriginalStatus(t *testing.T) {
	riderID := uuid.New()
	r, store := bookingRouter(t, riderID)

	driverID := uuid.New()
	svc := newTestService(store)
	trip := createTestTrip(t, svc, driverID, 3)

	body := []byte(`{"pickup":{"lat":-26.19,"lng":28.05},"dropoff":{"lat":-25.76,"lng":28.22},"seats":1}`)
	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trips/"+trip.ID.String()+"/book", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "book-once")
		r.ServeHTTP(w, req)
		return w
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotent-Replay"))

	// The replay echoes the original 201 and body; no second booking row.
	second := send()
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	participants, err := store.ListParticipants(context.Background(), trip.ID)
	require.NoError(t, err)
	riders := 0
	for _, p := range participants {
		if p.Role == RoleRider {
			riders++
		}
	}
	assert.Equal(t, 1, riders)
}
