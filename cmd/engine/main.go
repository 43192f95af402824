package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/archive"
	"github.com/duologue/matchbot/internal/chatlog"
	"github.com/duologue/matchbot/internal/clock"
	"github.com/duologue/matchbot/internal/complaint"
	"github.com/duologue/matchbot/internal/config"
	"github.com/duologue/matchbot/internal/control"
	"github.com/duologue/matchbot/internal/dedup"
	"github.com/duologue/matchbot/internal/engine"
	"github.com/duologue/matchbot/internal/matching"
	"github.com/duologue/matchbot/internal/messaging"
	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/profile"
	"github.com/duologue/matchbot/internal/ratelimit"
	"github.com/duologue/matchbot/internal/rating"
	"github.com/duologue/matchbot/internal/session"
)

func main() {
	log.Println("Starting Duologue matchmaking engine...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Redis.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// PostgreSQL, with migrations applied on startup.
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open PostgreSQL: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := runMigrations(cfg.PostgresDSN); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// NATS.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "duologue-engine"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	clk := clock.Real{}

	// Stores.
	profiles := profile.NewStore(db, rdb, cfg.PremiumCache())
	dialogArchive := archive.NewStore(db)
	complaints := complaint.NewStore(db)
	ratingEvents := rating.NewStore(db)
	sessions := session.NewStore(rdb, clk)
	queue := matching.NewQueue(rdb, clk)
	tracker := control.NewTracker(rdb)
	limiter := ratelimit.NewLimiter(rdb)

	// Components.
	guard := dedup.NewGuard(rdb, cfg.DedupTTL(), cfg.DedupConflicts)
	matcher := matching.NewMatcher(rdb, queue, sessions, profile.NewDirectory(profiles), clk, matching.Config{
		LockTTL:       cfg.MatchLockTTL(),
		MaxAttempts:   cfg.MatchMaxAttempts,
		ScopeFallback: cfg.ScopeFallback,
	})
	manager := session.NewManager(sessions, dialogArchive, natsClient, cfg.PartnerCooldown())
	reconciler := rating.NewReconciler(ratingEvents, dialogArchive, limiter, profiles, natsClient, rating.Config{
		Min:        cfg.RatingMin,
		Max:        cfg.RatingMax,
		Season:     cfg.SeasonWindow(),
		PairCap:    cfg.PairSessionCap,
		PairWindow: cfg.PairWindow(),
		SharpDrop:  cfg.SharpDrop,
		Rule:       ratelimit.RatingRule(cfg.RatingCap, cfg.RatingCapWindow()),
	})

	eng := engine.New(guard, queue, matcher, manager, tracker, chatlog.NewBuffer(),
		profiles, complaints, reconciler, limiter, natsClient, natsClient, clk)

	svc := engine.NewService(eng, natsClient)
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start engine service: %v", err)
	}

	// Background sweeps.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go session.StartIdleSweep(sweepCtx, manager, cfg.SweepInterval(), cfg.IdleTimeout())
	go matching.StartSearchSweep(sweepCtx, queue, rdb, clk,
		cfg.SweepInterval(), cfg.SearchTimeout(), eng.NotifySearchExpired)

	// Metrics and health endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	log.Printf("Duologue matchmaking engine running")
	log.Printf("  redis_addr:   %s", cfg.RedisAddr)
	log.Printf("  nats_url:     %s", cfg.NATSURL)
	log.Printf("  metrics_addr: %s", cfg.MetricsAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stopSweeps()
	svc.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	httpSrv.Shutdown(shutdownCtx)
	cancelShutdown()

	natsClient.Close()
	rdb.Close()
	db.Close()
}

// runMigrations applies the SQL migrations shipped next to the binary.
func runMigrations(dsn string) error {
	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
