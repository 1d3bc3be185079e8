// cmd/ledgerd/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/lib/pq"

	"chainledger/internal/config"
	"chainledger/internal/eventstore"
	"chainledger/internal/guard"
	"chainledger/internal/ledger"
	"chainledger/internal/migrations"
	"chainledger/internal/obs"
	"chainledger/internal/replication"
	"chainledger/internal/replicationhttp"
	"chainledger/internal/snapshot"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ledgerd: config: %v", err)
	}

	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("ledgerd: connect to database: %v", err)
	}
	defer sqlDB.Close()

	if err := migrations.Up(sqlDB); err != nil {
		log.Fatalf("ledgerd: migrations: %v", err)
	}
	db := sqlx.NewDb(sqlDB, "postgres")

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	g, err := guard.New(cfg.Guard)
	if err != nil {
		log.Fatalf("ledgerd: guard: %v", err)
	}
	go g.Sweep(ctx)

	es := eventstore.New(db, g, ledger.NoneSigner{}, metrics)
	if err := es.Recover(ctx); err != nil {
		log.Fatalf("ledgerd: chain recovery failed, refusing to start: %v", err)
	}

	_ = snapshot.New(db, cfg.Snapshot, metrics) // wired in by domain services via the rehydrate package

	repl := replication.New(cfg.Replicator, db, es, replicationhttp.NewClient(), metrics)
	if err := repl.Restore(ctx); err != nil {
		log.Fatalf("ledgerd: replication restore: %v", err)
	}
	for _, peer := range cfg.Peers {
		repl.AddPeer(peer)
	}
	go repl.FollowLocal(ctx)
	go repl.Run(ctx)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := sqlDB.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	replicationhttp.Mount(router, &replicationhttp.Handler{Replicator: repl})

	server := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("ledgerd: replica %s listening on %s", cfg.ReplicaID, server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("ledgerd: serve: %v", err)
	}
}
