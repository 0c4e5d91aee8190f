package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
)

const (
	natsBroadcastSubject = "carpool.events.all"
	natsUserSubjectFmt   = "carpool.events.user.%s"
)

// NATSBus satisfies Bus across processes. Core NATS (no JetStream) keeps the
// same best-effort, non-durable semantics as MemoryBus.
type NATSBus struct {
	conn       *nats.Conn
	queueDepth int

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus connects to the broker at url.
func NewNATSBus(url string, queueDepth int) (*NATSBus, error) {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}

	conn, err := nats.Connect(url,
		nats.Name("carpool"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("NATS event bus connected", zap.String("url", url))
	return &NATSBus{conn: conn, queueDepth: queueDepth}, nil
}

// Emit publishes the event envelope; publish errors are logged, the caller
// is never blocked or failed.
func (b *NATSBus) Emit(topic string, payload interface{}, targetUserID string) {
	event, err := NewEvent(topic, targetUserID, payload)
	if err != nil {
		logger.Warn("event dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	raw, err := json.Marshal(event)
	if err != nil {
		logger.Warn("event dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	subject := natsBroadcastSubject
	if targetUserID != "" {
		subject = fmt.Sprintf(natsUserSubjectFmt, targetUserID)
	}
	if err := b.conn.Publish(subject, raw); err != nil {
		logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Subscribe listens on the user's subject plus the broadcast subject.
func (b *NATSBus) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{userID: userID, ch: make(chan Event, b.queueDepth)}

	handler := func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn("malformed event dropped", zap.Error(err))
			return
		}
		sub.deliver(event)
	}

	subjects := []string{natsBroadcastSubject, fmt.Sprintf(natsUserSubjectFmt, userID)}
	natsSubs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		ns, err := b.conn.Subscribe(subject, handler)
		if err != nil {
			logger.Warn("subscribe failed", zap.String("subject", subject), zap.Error(err))
			continue
		}
		natsSubs = append(natsSubs, ns)
	}

	b.mu.Lock()
	b.subs = append(b.subs, natsSubs...)
	b.mu.Unlock()

	cancel := func() {
		for _, ns := range natsSubs {
			_ = ns.Unsubscribe()
		}
		sub.shutdown()
	}
	return sub.ch, cancel
}

// Close drains the connection.
func (b *NATSBus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
	}
	logger.Info("NATS event bus closed")
}

var _ Bus = (*NATSBus)(nil)
