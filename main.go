package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"fieldlink-cloud/internal/audit"
	"fieldlink-cloud/internal/auth"
	"fieldlink-cloud/internal/clock"
	commandsapp "fieldlink-cloud/internal/commands/application"
	commandsevents "fieldlink-cloud/internal/commands/application/events"
	commandsrepo "fieldlink-cloud/internal/commands/infrastructure/postgres"
	commandsinterfaces "fieldlink-cloud/internal/commands/interfaces"
	commandshttp "fieldlink-cloud/internal/commands/interfaces/http"
	configcacheapp "fieldlink-cloud/internal/configcache/application"
	configcacherepo "fieldlink-cloud/internal/configcache/infrastructure/postgres"
	configcachehttp "fieldlink-cloud/internal/configcache/interfaces/http"
	"fieldlink-cloud/internal/eventbus"
	"fieldlink-cloud/internal/observability/metrics"
	natstransport "fieldlink-cloud/internal/transport/nats"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)
	systemClock := clock.System{}

	dispatchCfg, err := commandsapp.LoadDispatchConfig()
	if err != nil {
		logger.Fatalf("dispatch config error: %v", err)
	}

	adapter, err := natstransport.New(cfg.NATSURL, "fieldlink-cloud")
	if err != nil {
		logger.Fatalf("nats connect error: %v", err)
	}
	defer adapter.Close()

	bus := eventbus.NewInMemoryBus()

	commandStore := commandsrepo.NewCommandRepository(db)
	dispatcher, err := commandsapp.NewDispatcher(commandStore, adapter, systemClock, dispatchCfg, logger)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}
	tracker, err := commandsapp.NewTracker(commandStore, bus, systemClock, dispatchCfg, logger)
	if err != nil {
		logger.Fatalf("tracker error: %v", err)
	}
	scheduler, err := commandsapp.NewRetryScheduler(commandStore, dispatcher, bus, systemClock, dispatchCfg, logger)
	if err != nil {
		logger.Fatalf("retry scheduler error: %v", err)
	}

	snapshotStore := configcacherepo.NewSnapshotRepository(db)
	configCache, err := configcacheapp.NewCache(snapshotStore, systemClock, cfg.SnapshotTTL, logger)
	if err != nil {
		logger.Fatalf("config cache error: %v", err)
	}
	coordinator, err := configcacheapp.NewCoordinator(snapshotStore, dispatcher, systemClock, logger)
	if err != nil {
		logger.Fatalf("sync coordinator error: %v", err)
	}
	bus.Subscribe(eventbus.EventTypeOf[commandsevents.CommandAcked](), coordinator.HandleCommandAcked)
	bus.Subscribe(eventbus.EventTypeOf[commandsevents.CommandFailed](), coordinator.HandleCommandFailed)

	ackConsumer, err := commandsinterfaces.NewAckConsumer(tracker, logger)
	if err != nil {
		logger.Fatalf("ack consumer error: %v", err)
	}
	if err := ackConsumer.Subscribe(adapter); err != nil {
		logger.Fatalf("ack subscribe error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)

	commandHandler, err := commandshttp.NewHandler(dispatcher, tracker, scheduler, auditRepo)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	configHandler, err := configcachehttp.NewHandler(configCache, coordinator, auditRepo)
	if err != nil {
		logger.Fatalf("config handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/command", commandHandler)
	mux.Handle("/command/", commandHandler)
	mux.Handle("/device/", commandHandler)
	mux.Handle("/system/overview", commandHandler)
	mux.Handle("/config", configHandler)
	mux.Handle("/config/", configHandler)
	mux.Handle("/sync/", configHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL string
	HTTPAddr    string
	NATSURL     string
	JWTSecret   string
	SnapshotTTL time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		NATSURL:     getenvDefault("NATS_URL", nats.DefaultURL),
		JWTSecret:   getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		SnapshotTTL: getenvDuration("CONFIG_SNAPSHOT_TTL", 15*time.Minute),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
