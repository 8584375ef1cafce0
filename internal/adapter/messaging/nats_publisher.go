// Package messaging publishes purchase events to NATS JetStream.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

const (
	StreamName       = "PURCHASES"
	SubjectCreated   = "purchases.created"
	SubjectCancelled = "purchases.cancelled"
)

// ErrPublisherUnavailable is returned without contacting NATS while the breaker is open.
var ErrPublisherUnavailable = errors.New("event publisher unavailable")

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

type NatsPublisher struct {
	js      StreamPublisher
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewNatsPublisher(js StreamPublisher, timeout time.Duration, settings BreakerSettings, logger *slog.Logger) *NatsPublisher {
	failures := max(settings.ConsecutiveFailures, 1)
	st := gobreaker.Settings{
		Name:        "nats-publisher",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &NatsPublisher{
		js:      js,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker[struct{}](st),
	}
}

type purchaseMessage struct {
	Type         string          `json:"type"`
	PurchaseID   string          `json:"purchase_id"`
	BuyerID      string          `json:"buyer_id"`
	ProductID    string          `json:"product_id"`
	Quantity     int             `json:"quantity"`
	TotalPrice   decimal.Decimal `json:"total_price"`
	PurchasedAt  time.Time       `json:"purchased_at"`
	StockAfter   int             `json:"stock_after"`
	StockVersion int64           `json:"stock_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Publish sends event to its subject. The message id makes JetStream drop a
// redelivered copy of the same event.
func (p *NatsPublisher) Publish(ctx context.Context, event domain.PurchaseEvent) error {
	subject, err := subjectFor(event.Type)
	if err != nil {
		return err
	}

	data, err := json.Marshal(purchaseMessage{
		Type:         string(event.Type),
		PurchaseID:   event.Purchase.ID,
		BuyerID:      event.Purchase.BuyerID,
		ProductID:    event.Purchase.ProductID,
		Quantity:     event.Purchase.Quantity,
		TotalPrice:   event.Purchase.TotalPrice,
		PurchasedAt:  event.Purchase.PurchasedAt,
		StockAfter:   event.StockAfter,
		StockVersion: event.StockVersion,
		OccurredAt:   event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	_, err = p.breaker.Execute(func() (struct{}, error) {
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		_, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.Purchase.ID+":"+string(event.Type)))
		return struct{}{}, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrPublisherUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func subjectFor(t domain.PurchaseEventType) (string, error) {
	switch t {
	case domain.PurchaseCreated:
		return SubjectCreated, nil
	case domain.PurchaseCancelled:
		return SubjectCancelled, nil
	default:
		return "", fmt.Errorf("unknown event type %q", t)
	}
}

func Connect(url string, timeout time.Duration) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewJetStream opens a JetStream context and makes sure the purchase stream exists.
func NewJetStream(ctx context.Context, nc *nats.Conn, stream string) (jetstream.JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if stream == "" {
		stream = StreamName
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"purchases.>"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}
	return js, nil
}
