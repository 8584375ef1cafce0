package port

import (
	"context"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.PurchaseEvent) error
}

type Metrics interface {
	PurchaseCreated(discounted bool)
	PurchaseCancelled()
	OperationFailed(op string, kind error)
	ConflictRetried(op string)
}
