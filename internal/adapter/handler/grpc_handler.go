package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/purchase-engine/internal/core/domain"
)

const ServiceName = "purchase.v1.PurchaseService"

// PurchaseServiceServer is the server API of purchase.v1.PurchaseService.
type PurchaseServiceServer interface {
	CreatePurchase(context.Context, *CreatePurchaseMessage) (*PurchaseMessage, error)
	CancelPurchase(context.Context, *PurchaseIDMessage) (*PurchaseMessage, error)
	GetPurchase(context.Context, *PurchaseIDMessage) (*PurchaseMessage, error)
	ListPurchases(context.Context, *ListPurchasesMessage) (*PurchaseListMessage, error)
}

type GRPCHandler struct {
	service PurchaseService
}

func NewGRPCHandler(service PurchaseService) *GRPCHandler {
	return &GRPCHandler{service: service}
}

func (h *GRPCHandler) CreatePurchase(ctx context.Context, req *CreatePurchaseMessage) (*PurchaseMessage, error) {
	purchase, err := h.service.CreatePurchaseOnce(ctx, req.RequestID, req.BuyerID, req.ProductID, int(req.Quantity))
	if err != nil {
		return nil, toStatus(err)
	}
	return toPurchaseMessage(purchase), nil
}

func (h *GRPCHandler) CancelPurchase(ctx context.Context, req *PurchaseIDMessage) (*PurchaseMessage, error) {
	purchase, err := h.service.CancelPurchase(ctx, req.PurchaseID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toPurchaseMessage(purchase), nil
}

func (h *GRPCHandler) GetPurchase(ctx context.Context, req *PurchaseIDMessage) (*PurchaseMessage, error) {
	purchase, err := h.service.GetPurchase(ctx, req.PurchaseID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toPurchaseMessage(purchase), nil
}

func (h *GRPCHandler) ListPurchases(ctx context.Context, req *ListPurchasesMessage) (*PurchaseListMessage, error) {
	var (
		list []domain.Purchase
		err  error
	)
	if req.BuyerID != nil {
		list, err = h.service.ListPurchasesByBuyer(ctx, *req.BuyerID)
	} else {
		list, err = h.service.ListPurchases(ctx)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	reply := &PurchaseListMessage{Purchases: make([]PurchaseMessage, 0, len(list))}
	for _, p := range list {
		reply.Purchases = append(reply.Purchases, *toPurchaseMessage(p))
	}
	return reply, nil
}

var kindCodes = map[error]codes.Code{
	domain.ErrInvalidArgument:     codes.InvalidArgument,
	domain.ErrNotFound:            codes.NotFound,
	domain.ErrInsufficientStock:   codes.FailedPrecondition,
	domain.ErrDuplicateRequest:    codes.AlreadyExists,
	domain.ErrConcurrencyConflict: codes.Aborted,
	domain.ErrStorageFailure:      codes.Unavailable,
}

func toStatus(err error) error {
	return status.Error(kindCodes[domain.KindOf(err)], domain.Reason(err))
}

// NewGRPCServer returns a server with the purchase service registered behind
// logging and panic recovery interceptors.
func NewGRPCServer(h PurchaseServiceServer, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	logger = logger.With("component", "grpc")
	recoverPanic := func(ctx context.Context, p any) error {
		logger.ErrorContext(ctx, "panic recovered", "panic", p)
		return status.Error(codes.Internal, "internal error")
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(interceptorLogger(logger), logging.WithLogOnEvents(logging.FinishCall)),
		recovery.UnaryServerInterceptor(recovery.WithRecoveryHandlerContext(recoverPanic)),
	))
	srv := grpc.NewServer(opts...)
	RegisterPurchaseServiceServer(srv, h)
	return srv
}

func interceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

func RegisterPurchaseServiceServer(s grpc.ServiceRegistrar, srv PurchaseServiceServer) {
	s.RegisterService(&purchaseServiceDesc, srv)
}

var purchaseServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreatePurchase",
			Handler: unaryHandler("CreatePurchase", func(ctx context.Context, srv PurchaseServiceServer, req *CreatePurchaseMessage) (any, error) {
				return srv.CreatePurchase(ctx, req)
			}),
		},
		{
			MethodName: "CancelPurchase",
			Handler: unaryHandler("CancelPurchase", func(ctx context.Context, srv PurchaseServiceServer, req *PurchaseIDMessage) (any, error) {
				return srv.CancelPurchase(ctx, req)
			}),
		},
		{
			MethodName: "GetPurchase",
			Handler: unaryHandler("GetPurchase", func(ctx context.Context, srv PurchaseServiceServer, req *PurchaseIDMessage) (any, error) {
				return srv.GetPurchase(ctx, req)
			}),
		},
		{
			MethodName: "ListPurchases",
			Handler: unaryHandler("ListPurchases", func(ctx context.Context, srv PurchaseServiceServer, req *ListPurchasesMessage) (any, error) {
				return srv.ListPurchases(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler builds the grpc.MethodHandler that decodes a Req and calls call
// through the server's interceptor chain.
func unaryHandler[Req any](method string, call func(context.Context, PurchaseServiceServer, *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fmt.Sprintf("/%s/%s", ServiceName, method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, srv.(PurchaseServiceServer), in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(ctx, srv.(PurchaseServiceServer), req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
