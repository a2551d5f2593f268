package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-realtime-checkout/internal/cart"
	"github.com/ariefcatur/go-realtime-checkout/internal/catalog"
	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/config"
	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	"github.com/ariefcatur/go-realtime-checkout/internal/httpx"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/postgres"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/ariefcatur/go-realtime-checkout/internal/rabbitmq"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
	"github.com/ariefcatur/go-realtime-checkout/internal/webhook"
)

type catalogStore interface {
	pricing.Catalog
	pricing.Coupons
	orders.CouponRedeemer
	httpx.ProductLister
}

// stores is the persistence picked by STORE.
type stores struct {
	catalog catalogStore
	stock   inventory.Ledger
	orders  orders.Store
	intents payment.IntentStore
	close   func()
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", cfg.ServiceName))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("api stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	rdb, closeRedis, err := openRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	// The bus outlives the HTTP server so in-flight requests can still publish.
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	bus, runBus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New("api")
	cache := redisx.NewStatusCache(rdb)

	orderSvc := &orders.Service{
		Store:    st.orders,
		Stock:    st.stock,
		Coupons:  st.catalog,
		Events:   bus,
		Cache:    cache,
		Restock:  cfg.RefundRestock,
		Producer: cfg.ServiceName,
		Logger:   logger,
	}
	orderSvc.OnTransition = func(from, to orders.Status) { m.Transition(string(from), string(to)) }

	var provider payment.Provider
	switch cfg.PaymentProvider {
	case "stripe":
		provider = payment.NewStripe(cfg.StripeSecretKey, cfg.WebhookSecret)
	default:
		provider = payment.NewSandbox(cfg.WebhookSecret)
	}
	coord := &payment.Coordinator{Provider: provider, Store: st.intents, Orders: st.orders, Logger: logger}

	carts := cart.NewRedisStore(rdb, cfg.CartIdleTTL)
	snapshots := &pricing.Snapshotter{Catalog: st.catalog, Coupons: st.catalog, Stock: st.stock, Currency: cfg.DefaultCurrency}
	orch := &checkout.Orchestrator{
		Carts:          carts,
		Snapshots:      snapshots,
		Stock:          st.stock,
		Orders:         orderSvc,
		Payments:       coord,
		Requests:       checkout.NewRedisRequests(rdb),
		ReservationTTL: cfg.ReservationTTL,
		Retry:          checkout.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, InitialInterval: cfg.RetryInitialInterval, MaxElapsed: cfg.RetryMaxElapsed},
		Logger:         logger,
		OnResult:       m.Checkout,
	}
	rec := &webhook.Reconciler{
		Ledger:    webhook.NewRedisLedger(rdb),
		Intents:   coord,
		Orders:    orderSvc,
		Logger:    logger,
		OnOutcome: func(ev payment.WebhookEvent, out webhook.Outcome) { m.Webhook(string(ev.Type), string(out)) },
	}
	sweeper := &inventory.Sweeper{Ledger: st.stock, Interval: cfg.SweepInterval, Logger: logger}
	sweeper.OnExpired = func(ctx context.Context, orderID string) {
		m.ReservationExpired()
		if err := orderSvc.ReleaseCoupon(ctx, orderID); err != nil && !errors.Is(err, orders.ErrNotFound) {
			logger.WarnContext(ctx, "release coupon of expired hold", slog.String("order_id", orderID), slog.Any("err", err))
		}
	}

	router := httpx.NewRouter(m)
	httpx.Handlers{
		Cart:     &httpx.CartHandler{Carts: carts, Products: st.catalog, Logger: logger},
		Checkout: &httpx.CheckoutHandler{Checkout: orch, Logger: logger},
		Orders:   &httpx.OrdersHandler{Orders: st.orders, Transitions: orderSvc, Cache: cache, Logger: logger},
		Webhooks: &httpx.WebhookHandler{Verifier: provider, Reconciler: rec, Logger: logger},
	}.Mount(router, []byte(cfg.JWTSecret))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("store", cfg.Store),
			slog.String("event_bus", cfg.EventBus),
			slog.String("payment_provider", provider.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopBus()
		return err
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return runBus(busCtx) })

	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory stores with the demo catalog; data is lost on restart")
		cat := pricing.NewStaticCatalog()
		stock := inventory.NewMemoryLedger()
		if err := seedDemo(ctx, cat, stock); err != nil {
			return nil, err
		}
		return &stores{
			catalog: cat,
			stock:   stock,
			orders:  orders.NewMemoryStore(),
			intents: payment.NewMemoryIntentStore(),
			close:   func() {},
		}, nil
	}

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		return nil, err
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &stores{
		catalog: &catalog.Store{DB: db},
		stock:   &inventory.PGLedger{DB: db},
		orders:  &orders.PGStore{DB: db},
		intents: &payment.PGIntentStore{DB: db},
		close:   db.Close,
	}, nil
}

// openRedis connects to REDIS_ADDR. With STORE=memory an embedded
// miniredis serves instead, so carts and ledgers keep their redis code paths.
func openRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) (redis.Cmdable, func(), error) {
	if cfg.Store == "memory" {
		mr := miniredis.NewMiniRedis()
		if err := mr.Start(); err != nil {
			return nil, nil, err
		}
		logger.Info("embedded redis started", slog.String("addr", mr.Addr()))
		rdb, err := redisx.Connect(ctx, mr.Addr())
		if err != nil {
			mr.Close()
			return nil, nil, err
		}
		return rdb, func() { _ = rdb.Close(); mr.Close() }, nil
	}
	rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return rdb, func() { _ = rdb.Close() }, nil
}

// openBus returns the publisher for EVENT_BUS and a function that runs it
// until its context is done.
func openBus(cfg config.Config, logger *slog.Logger) (events.Publisher, func(context.Context) error, error) {
	switch cfg.EventBus {
	case "kafka":
		p := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
		return p, p.Run, nil
	case "rabbitmq":
		p, err := rabbitmq.Dial(cfg.AMQPURL, rabbitmq.DefaultExchange, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func(ctx context.Context) error {
			<-ctx.Done()
			return p.Close()
		}, nil
	default:
		return events.Nop{}, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, nil
	}
}
