// Package app assembles the order engine from its parts. The HTTP service and
// the queue worker share one graph so a job behaves the same wherever it runs.
package app

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderengine/internal/catalog"
	"github.com/joao-fontenele/orderengine/internal/clients"
	"github.com/joao-fontenele/orderengine/internal/config"
	"github.com/joao-fontenele/orderengine/internal/delivery"
	"github.com/joao-fontenele/orderengine/internal/inventory"
	"github.com/joao-fontenele/orderengine/internal/jobs"
	"github.com/joao-fontenele/orderengine/internal/ledger"
	"github.com/joao-fontenele/orderengine/internal/messaging"
	"github.com/joao-fontenele/orderengine/internal/orders"
	"github.com/joao-fontenele/orderengine/internal/reconcile"
	"github.com/joao-fontenele/orderengine/internal/telemetry"
)

const collaboratorTimeout = 10 * time.Second

type Engine struct {
	Catalog    *catalog.Repository
	Stock      *inventory.Repository
	Orders     *orders.OrderRepository
	Ledger     *ledger.Ledger
	Allocator  *inventory.Allocator
	Lifecycle  *orders.Lifecycle
	Delivery   *delivery.Worker
	Replacer   *delivery.Replacer
	Refunder   *reconcile.Refunder
	Expirer    *reconcile.Expirer
	Jobs       *jobs.Handler
	Dispatcher *jobs.Dispatcher
	Notifier   *clients.Notifier
	Alerts     *clients.AdminAlerter
}

// New wires the engine over db. A nil queue makes every job run inline.
func New(cfg config.Config, db *sql.DB, queue *messaging.JobQueue, metrics *telemetry.Metrics, logger *slog.Logger) *Engine {
	httpClient := clients.NewHTTPClient(collaboratorTimeout)

	e := &Engine{
		Catalog:  catalog.NewRepository(db),
		Stock:    inventory.NewRepository(db),
		Orders:   orders.NewOrderRepository(db),
		Ledger:   ledger.NewLedger(db),
		Notifier: clients.NewNotifier(cfg.NotifierURL, httpClient, logger),
		Alerts:   clients.NewAdminAlerter(cfg.AdminAlertURL, httpClient, logger),
	}
	e.Allocator = inventory.NewAllocator(e.Stock, metrics, logger)

	e.Lifecycle = orders.NewLifecycle(orders.LifecycleDeps{
		Repo:     e.Orders,
		Stock:    e.Stock,
		Products: e.Catalog,
		Ledger:   e.Ledger,
		Notifier: e.Notifier,
		Alerts:   e.Alerts,
		Metrics:  metrics,
		Logger:   logger,
	})

	e.Delivery = delivery.NewWorker(delivery.Deps{
		Repo:      e.Orders,
		Allocator: e.Allocator,
		Products:  e.Catalog,
		Status:    e.Lifecycle,
		Saved:     e.Ledger,
		Notifier:  e.Notifier,
		Metrics:   metrics,
		Logger:    logger,
	})
	e.Replacer = delivery.NewReplacer(e.Orders, e.Allocator, e.Notifier, logger)

	e.Refunder = reconcile.NewRefunder(reconcile.RefunderDeps{
		Repo:      e.Orders,
		Ledger:    e.Ledger,
		Lifecycle: e.Lifecycle,
		Notifier:  e.Notifier,
		Metrics:   metrics,
		Logger:    logger,
	})
	e.Expirer = reconcile.NewExpirer(e.Orders, e.Stock, e.Ledger, cfg.HoldTTL, logger)

	e.Jobs = jobs.NewHandler(e.Delivery, e.Refunder, e.Replacer, e.Ledger, logger)
	// Passing a nil *JobQueue through the interface would hide it from the
	// dispatcher's inline mode.
	if queue != nil {
		e.Dispatcher = jobs.NewDispatcher(queue, e.Jobs, logger)
	} else {
		e.Dispatcher = jobs.NewDispatcher(nil, e.Jobs, logger)
	}

	return e
}
