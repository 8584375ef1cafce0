// Package app wires the purchase engine to its storage, side channels and
// transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/purchase-engine/internal/adapter/handler"
	"github.com/rl1809/purchase-engine/internal/adapter/messaging"
	"github.com/rl1809/purchase-engine/internal/adapter/metrics"
	"github.com/rl1809/purchase-engine/internal/adapter/storage"
	"github.com/rl1809/purchase-engine/internal/config"
	"github.com/rl1809/purchase-engine/internal/core/service"
)

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	service    *service.PurchaseService
	router     *chi.Mux
	httpServer *http.Server
	grpcServer *grpc.Server
	closers    []func()
}

// New connects every configured backend, seeds the catalogue and builds the
// HTTP and gRPC servers. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeStore)

	prom := metrics.NewPrometheus()
	opts := []service.Option{
		service.WithLogger(logger.With("component", "service")),
		service.WithMetrics(prom),
		service.WithDiscountPolicy(cfg.Pricing.Policy()),
		service.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoff),
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		cache := storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL, cfg.Redis.StockTTL)
		opts = append(opts, service.WithStockCache(cache), service.WithIdempotencyStore(cache))
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Nats.Enabled {
		nc, err := messaging.Connect(cfg.Nats.Url, cfg.Nats.Timeout)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		js, err := messaging.NewJetStream(ctx, nc, cfg.Nats.Stream)
		if err != nil {
			return err
		}
		publisher := messaging.NewNatsPublisher(js, cfg.Nats.Timeout, messaging.BreakerSettings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
		}, logger.With("component", "nats"))
		opts = append(opts, service.WithEventPublisher(publisher))
		logger.Info("connected to nats", "url", nc.ConnectedUrlRedacted(), "stream", cfg.Nats.Stream)
	}

	a.service = service.NewPurchaseService(store, opts...)
	if err := a.seed(ctx); err != nil {
		return err
	}

	a.router = handler.NewRouter(logger)
	handler.NewHTTPHandler(a.service, prom.Handler(), logger).RegisterRoutes(a.router)
	a.httpServer = &http.Server{
		Handler:           a.router,
		ReadTimeout:       cfg.Server.HTTP.Timeout.Read,
		WriteTimeout:      cfg.Server.HTTP.Timeout.Write,
		IdleTimeout:       cfg.Server.HTTP.Timeout.Idle,
		ReadHeaderTimeout: cfg.Server.HTTP.Timeout.ReadHeader,
	}

	if cfg.Server.GRPC.Enabled {
		a.grpcServer = handler.NewGRPCServer(handler.NewGRPCHandler(a.service), logger)
	}
	return nil
}

func (a *App) seed(ctx context.Context) error {
	for _, sp := range a.cfg.Seed.Products {
		product, err := sp.Product()
		if err != nil {
			return fmt.Errorf("seed product %q: %w", sp.ID, err)
		}
		created, err := a.service.EnsureProduct(ctx, product)
		if err != nil {
			return fmt.Errorf("seed product %q: %w", sp.ID, err)
		}
		if created {
			a.logger.Info("seeded product", "product_id", product.ID, "quantity", product.Quantity)
		}
	}
	return nil
}

func (a *App) Service() *service.PurchaseService { return a.service }

// Run listens on the configured ports and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.HTTP.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}
	var grpcLis net.Listener
	if a.grpcServer != nil {
		grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.GRPC.Port))
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
	}
	return a.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on the given listeners until ctx is cancelled, then shuts both
// servers down within the configured shutdown timeout. grpcLis is ignored when
// gRPC is disabled.
func (a *App) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := a.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.grpcServer != nil && grpcLis != nil {
		g.Go(func() error {
			a.logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			if err := a.grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
		defer cancel()

		err := a.httpServer.Shutdown(shutdownCtx)
		if a.grpcServer != nil {
			stopGracefully(shutdownCtx, a.grpcServer)
		}
		return err
	})

	return g.Wait()
}

// stopGracefully waits for in-flight RPCs until ctx expires, then closes the
// remaining connections.
func stopGracefully(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
