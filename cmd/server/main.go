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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"civreg/internal/enrollment"
	"civreg/internal/facility"
	facilitystore "civreg/internal/facility/store"
	"civreg/internal/location"
	locationstore "civreg/internal/location/store"
	"civreg/internal/lock"
	"civreg/internal/mapping"
	mappingstore "civreg/internal/mapping/store"
	"civreg/internal/notification"
	notificationhandler "civreg/internal/notification/handler"
	notificationstore "civreg/internal/notification/store"
	"civreg/internal/person"
	personstore "civreg/internal/person/store"
	"civreg/internal/platform/config"
	"civreg/internal/platform/database"
	"civreg/internal/platform/httpserver"
	"civreg/internal/platform/logger"
	"civreg/internal/platform/metrics"
	platformredis "civreg/internal/platform/redis"
	"civreg/internal/registry"
	"civreg/internal/subscription"
	subscriptionhandler "civreg/internal/subscription/handler"
	subscriptionstore "civreg/internal/subscription/store"
	"civreg/pkg/platform/httputil"
	"civreg/pkg/platform/middleware/admin"
	"civreg/pkg/platform/middleware/requestid"
	"civreg/pkg/platform/middleware/requesttime"
	"civreg/pkg/platform/tx"
)

// main wires the registry client, the stores and the reconcilers, and runs
// the HTTP server until interrupted. Business logic lives in internal.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Server.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("civreg stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := registry.New(cfg.Registry,
		registry.WithLogger(log),
		registry.WithMetrics(registry.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}

	st, closeStores, err := buildStores(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStores()

	locker, closeLocker, err := buildLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	enroller, closeEnroller, err := buildEnroller(ctx, cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer closeEnroller()

	mode := location.LoadMode(cfg.Reconcile.LoadMode)
	mappings := mapping.New(st.mappings,
		mapping.WithReusePolicy(mapping.ReusePolicy(cfg.Reconcile.CodeReuse)),
		mapping.WithLogger(log),
	)
	locations := location.NewReconciler(st.locations, mappings,
		location.WithLoadMode(mode),
		location.WithRootName(cfg.Reconcile.RootRegionName),
		location.WithAuditUser(cfg.Reconcile.AuditUserID),
		location.WithLogger(log),
	)
	facilities := facility.NewReconciler(st.facilities, mappings,
		facility.WithLoadMode(mode),
		facility.WithAuditUser(cfg.Reconcile.AuditUserID),
		facility.WithLogger(log),
	)
	mappings.Register(mapping.KindLocation, locations)
	mappings.Register(mapping.KindFacility, facilities)
	persons := person.NewReconciler(st.persons, client, mappings, enroller,
		person.WithAuditUser(cfg.Reconcile.AuditUserID),
		person.WithLogger(log),
	)

	if _, err := locations.EnsureRoot(ctx); err != nil {
		return err
	}

	dispatcher := notification.NewDispatcher(st.events, locations, facilities, persons,
		notification.WithTxRunner(st.txr),
		notification.WithLocker(locker),
		notification.WithMetrics(notification.NewMetrics(prometheus.DefaultRegisterer)),
		notification.WithLogger(log),
	)
	subscriptions := subscription.New(st.subscriptions, client, subscription.WithLogger(log))

	router := newRouter(cfg.Server, log, dispatcher, subscriptions)
	srv := httpserver.New(cfg.Server.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting civreg", "addr", cfg.Server.Addr, "load_mode", mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newRouter(cfg config.Server, log *slog.Logger, dispatcher *notification.Dispatcher, subscriptions *subscription.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metrics.NewHTTP(prometheus.DefaultRegisterer).Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	events := notificationhandler.New(dispatcher, log)
	events.Register(r)

	if cfg.AdminToken == "" {
		log.Warn("ADMIN_API_TOKEN is not set, operator routes are disabled")
		return r
	}
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(cfg.AdminToken, log))
		events.RegisterAdmin(r)
		subscriptionhandler.New(subscriptions, log).Register(r)
	})
	return r
}

type stores struct {
	mappings      mapping.Store
	locations     location.Store
	facilities    facility.Store
	persons       person.Store
	events        notification.Store
	subscriptions subscription.Store
	txr           tx.Runner
}

// buildStores selects Postgres when DATABASE_URL is set and in-memory stores
// otherwise. In-memory stores keep no history across restarts and cannot
// roll back a partly applied event.
func buildStores(ctx context.Context, cfg config.Database, log *slog.Logger) (*stores, func(), error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL is not set, using in-memory stores")
		return &stores{
			mappings:      mappingstore.NewInMemoryStore(),
			locations:     locationstore.NewInMemoryStore(),
			facilities:    facilitystore.NewInMemoryStore(),
			persons:       personstore.NewInMemoryStore(),
			events:        notificationstore.NewInMemoryStore(),
			subscriptions: subscriptionstore.NewInMemoryStore(),
			txr:           tx.NoopRunner{},
		}, func() {}, nil
	}

	if err := database.Migrate(cfg.URL, log); err != nil {
		return nil, nil, err
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return &stores{
		mappings:      mappingstore.NewPostgres(db),
		locations:     locationstore.NewPostgres(db),
		facilities:    facilitystore.NewPostgres(db),
		persons:       personstore.NewPostgres(db),
		events:        notificationstore.NewPostgres(db),
		subscriptions: subscriptionstore.NewPostgres(db),
		txr:           tx.NewSQLRunner(db),
	}, func() { _ = db.Close() }, nil
}

// buildLocker returns a Redis lock when REDIS_URL is set so several
// replicas serialize on the same codes; a single process needs only Local.
func buildLocker(ctx context.Context, cfg config.Config, log *slog.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using redis reconciliation lock", "ttl", cfg.Reconcile.LockTTL)
	return lock.NewRedis(client, cfg.Reconcile.LockTTL, log), func() { _ = client.Close() }, nil
}

func buildEnroller(ctx context.Context, cfg config.Kafka, log *slog.Logger) (person.AutoEnroller, func(), error) {
	if len(cfg.Brokers) == 0 {
		return enrollment.NewLog(log), func() {}, nil
	}
	publisher, err := enrollment.NewKafka(cfg.Brokers, cfg.EnrollmentTopic, log)
	if err != nil {
		return nil, nil, err
	}
	// -1 leaves partition count and replication to the broker defaults.
	if err := publisher.EnsureTopic(ctx, -1, -1); err != nil {
		publisher.Close()
		return nil, nil, err
	}
	return publisher, publisher.Close, nil
}
