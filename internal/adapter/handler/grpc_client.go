package handler

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

// PurchaseClient calls purchase.v1.PurchaseService and turns status errors back
// into domain failures.
type PurchaseClient struct {
	cc grpc.ClientConnInterface
}

func NewPurchaseClient(cc grpc.ClientConnInterface) *PurchaseClient {
	return &PurchaseClient{cc: cc}
}

// RetryInterceptor retries calls that failed with a transient code.
func RetryInterceptor(maxAttempts uint, initialBackoff time.Duration) grpc.UnaryClientInterceptor {
	return retry.UnaryClientInterceptor(
		retry.WithCodes(codes.Aborted, codes.Unavailable),
		retry.WithMax(maxAttempts),
		retry.WithBackoff(retry.BackoffExponential(initialBackoff)),
	)
}

func (c *PurchaseClient) invoke(ctx context.Context, method string, in, out any) error {
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *PurchaseClient) CreatePurchase(ctx context.Context, requestKey, buyerID, productID string, quantity int) (domain.Purchase, error) {
	var out PurchaseMessage
	in := &CreatePurchaseMessage{RequestID: requestKey, BuyerID: buyerID, ProductID: productID, Quantity: int32(quantity)}
	if err := c.invoke(ctx, "CreatePurchase", in, &out); err != nil {
		return domain.Purchase{}, err
	}
	return out.Purchase(), nil
}

func (c *PurchaseClient) CancelPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	var out PurchaseMessage
	if err := c.invoke(ctx, "CancelPurchase", &PurchaseIDMessage{PurchaseID: purchaseID}, &out); err != nil {
		return domain.Purchase{}, err
	}
	return out.Purchase(), nil
}

func (c *PurchaseClient) GetPurchase(ctx context.Context, purchaseID string) (domain.Purchase, error) {
	var out PurchaseMessage
	if err := c.invoke(ctx, "GetPurchase", &PurchaseIDMessage{PurchaseID: purchaseID}, &out); err != nil {
		return domain.Purchase{}, err
	}
	return out.Purchase(), nil
}

func (c *PurchaseClient) ListPurchases(ctx context.Context) ([]domain.Purchase, error) {
	return c.list(ctx, &ListPurchasesMessage{})
}

func (c *PurchaseClient) ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]domain.Purchase, error) {
	return c.list(ctx, &ListPurchasesMessage{BuyerID: &buyerID})
}

func (c *PurchaseClient) list(ctx context.Context, in *ListPurchasesMessage) ([]domain.Purchase, error) {
	var out PurchaseListMessage
	if err := c.invoke(ctx, "ListPurchases", in, &out); err != nil {
		return nil, err
	}
	list := make([]domain.Purchase, 0, len(out.Purchases))
	for i := range out.Purchases {
		list = append(list, out.Purchases[i].Purchase())
	}
	return list, nil
}

var codeKinds = map[codes.Code]error{
	codes.InvalidArgument:    domain.ErrInvalidArgument,
	codes.NotFound:           domain.ErrNotFound,
	codes.FailedPrecondition: domain.ErrInsufficientStock,
	codes.AlreadyExists:      domain.ErrDuplicateRequest,
	codes.Aborted:            domain.ErrConcurrencyConflict,
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return domain.WrapError(domain.ErrStorageFailure, "rpc failed", err)
	}
	kind, ok := codeKinds[st.Code()]
	if !ok {
		kind = domain.ErrStorageFailure
	}
	return domain.NewError(kind, st.Message())
}
