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

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/orderengine/internal/app"
	"github.com/joao-fontenele/orderengine/internal/cart"
	"github.com/joao-fontenele/orderengine/internal/clients"
	"github.com/joao-fontenele/orderengine/internal/config"
	"github.com/joao-fontenele/orderengine/internal/inventory"
	"github.com/joao-fontenele/orderengine/internal/messaging"
	"github.com/joao-fontenele/orderengine/internal/orders"
	"github.com/joao-fontenele/orderengine/internal/pricing"
	"github.com/joao-fontenele/orderengine/internal/reconcile"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
	"github.com/joao-fontenele/orderengine/internal/webhook"
)

const (
	serviceName    = "orderengine-api"
	serviceVersion = "1.0.0"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.FromEnv()
	if err := cfg.Validate("POSTGRES_URL", "REDIS_ADDR"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET not set, cron endpoints will refuse every call")
	}

	ctx := context.Background()

	tel, err := telemetry.Init(ctx, serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := telemetry.OpenDB(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	var queue *messaging.JobQueue
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.JobsTopic)
		defer func() { _ = producer.Close() }()
		queue = messaging.NewJobQueue(producer, messaging.NewRedisDeduper(rdb, cfg.DedupWindow), logger)
	} else {
		logger.Warn("KAFKA_BROKERS not set, jobs run inline")
	}

	engine := app.New(cfg, db, queue, tel.Metrics, logger)
	httpClient := clients.NewHTTPClient(10 * time.Second)

	carts := cart.NewService(cart.NewRedisStore(rdb, cfg.CartTTL), engine.Catalog)
	registry := webhook.NewDefaultRegistry(cfg.GatewaySecrets)
	if len(registry.Names()) == 0 {
		logger.Warn("no payment gateway secrets configured, only balance checkout is available")
	}

	checkout := orders.NewCheckoutService(orders.CheckoutDeps{
		Carts:        carts,
		Products:     engine.Catalog,
		Stock:        engine.Stock,
		Holder:       engine.Allocator,
		Reservations: engine.Stock,
		Pricing: pricing.NewEngine(cfg.BaseCurrency,
			clients.NewRatesClient(cfg.RatesURL, httpClient, logger), logger, tel.Metrics),
		Repo:       engine.Orders,
		Ledger:     engine.Ledger,
		Confirmer:  engine.Lifecycle,
		Invoices:   clients.NewInvoiceClient(cfg.PaymentsURL, httpClient, logger),
		Promos:     engine.Catalog,
		Cooldown:   orders.NewRedisCooldown(rdb, cfg.CheckoutCooldown),
		Dispatcher: engine.Dispatcher,
		Gateways:   registry.Names(),
		PaymentTTL: cfg.PaymentTTL,
		Logger:     logger,
	})

	ingest := webhook.NewService(webhook.ServiceDeps{
		Registry:   registry,
		Repo:       engine.Orders,
		Stock:      engine.Stock,
		Confirmer:  engine.Lifecycle,
		Dispatcher: engine.Dispatcher,
		Alerts:     engine.Alerts,
		Metrics:    tel.Metrics,
		Logger:     logger,
		PaymentTTL: cfg.PaymentTTL,
	})

	cartHandler := cart.NewHandler(carts, engine.Catalog, engine.Stock, logger)
	orderHandler := orders.NewHandler(checkout, engine.Orders, logger)
	webhookHandler := webhook.NewHandler(ingest, logger)
	stockHandler := inventory.NewHandler(engine.Stock, engine.Dispatcher, logger)
	cronHandler := reconcile.NewHandler(cfg.CronSecret, engine.Expirer, engine.Refunder, engine.Delivery, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /carts/{userID}", telemetry.WithHTTPRoute(cartHandler.HandleGet))
	mux.HandleFunc("POST /carts/{userID}/items", telemetry.WithHTTPRoute(cartHandler.HandleAddItem))
	mux.HandleFunc("PATCH /carts/{userID}/items/{productID}", telemetry.WithHTTPRoute(cartHandler.HandleUpdateQuantity))
	mux.HandleFunc("DELETE /carts/{userID}/items/{productID}", telemetry.WithHTTPRoute(cartHandler.HandleRemoveItem))
	mux.HandleFunc("POST /carts/{userID}/promo", telemetry.WithHTTPRoute(cartHandler.HandleApplyPromo))
	mux.HandleFunc("DELETE /carts/{userID}", telemetry.WithHTTPRoute(cartHandler.HandleClear))

	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(orderHandler.HandleCheckout))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("GET /users/{userID}/orders", telemetry.WithHTTPRoute(orderHandler.HandleListByUser))

	mux.HandleFunc("POST /webhooks/{gateway}", telemetry.WithHTTPRoute(webhookHandler.HandleWebhook))

	mux.HandleFunc("POST /cron/expire-orders", telemetry.WithHTTPRoute(cronHandler.Authorized(cronHandler.HandleExpireOrders)))
	mux.HandleFunc("POST /cron/deliver-backorders", telemetry.WithHTTPRoute(cronHandler.Authorized(cronHandler.HandleDeliverBackorders)))
	mux.HandleFunc("POST /cron/refund-overdue", telemetry.WithHTTPRoute(cronHandler.Authorized(cronHandler.HandleRefundOverdue)))

	mux.HandleFunc("GET /stock/{productID}", telemetry.WithHTTPRoute(stockHandler.HandleGetStock))
	mux.HandleFunc("POST /stock", telemetry.WithHTTPRoute(stockHandler.HandleAddStock))

	mux.Handle("GET /metrics", tel.MetricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting order engine api", "port", cfg.Port, "gateways", registry.Names())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
