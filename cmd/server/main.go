package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ithaca/custody-engine/internal/accesscontrol"
	"github.com/ithaca/custody-engine/internal/events"
	"github.com/ithaca/custody-engine/internal/fundlock"
	"github.com/ithaca/custody-engine/internal/ledger"
	"github.com/ithaca/custody-engine/internal/lending"
	"github.com/ithaca/custody-engine/internal/metrics"
	"github.com/ithaca/custody-engine/internal/store"
	"github.com/ithaca/custody-engine/internal/tokenvalidator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event publisher ---
	var pub events.Publisher
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kp := events.NewKafkaPublisher(strings.Split(brokers, ","), "custody-events")
		cleanup = append(cleanup, func() { kp.Close() })
		pub = kp
		slog.Info("Kafka event publishing enabled", "brokers", brokers)
	}

	// --- Lending reserve ---
	var reserve lending.Reserve
	if reserveURL := os.Getenv("LENDING_RESERVE_URL"); reserveURL != "" {
		reserve = lending.NewHTTPReserve(reserveURL)
		slog.Info("lending reserve configured", "url", reserveURL)
	} else {
		slog.Warn("LENDING_RESERVE_URL not set, using in-memory reserve")
		reserve = lending.NewMemoryReserve()
	}

	// --- WebSocket hub ---
	wsHub := fundlock.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	accessSvc := accesscontrol.NewService(st)
	validatorSvc := tokenvalidator.NewService(st, accessSvc)
	fundlockSvc := fundlock.NewService(st, accessSvc, validatorSvc, reserve, pub, wsHub)
	ledgerSvc := ledger.NewService(st, accessSvc, validatorSvc, fundlockSvc)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"custody-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time balance updates.
		r.Get("/ws", wsHub.HandleWS)

		// Access control.
		r.Post("/access-controllers", accessSvc.HandleInitController)
		r.Route("/access-controllers/{controllerID}", func(r chi.Router) {
			r.Post("/roles/grant", accessSvc.HandleGrantRole)
			r.Post("/roles/renounce", accessSvc.HandleRenounceRole)
			r.Get("/roles/check", accessSvc.HandleCheckRole)
			r.Get("/roles/{roleName}", accessSvc.HandleGetRole)

			// Token whitelist.
			r.Post("/token-validator", validatorSvc.HandleInitValidator)
			r.Post("/token-validator/tokens", validatorSvc.HandleAddToken)
			r.Delete("/token-validator/tokens", validatorSvc.HandleRemoveToken)
		})

		// Client token accounts.
		r.Post("/accounts", fundlockSvc.HandleCreateAccount)
		r.Get("/accounts/{accountID}", fundlockSvc.HandleGetAccount)

		// Custody.
		r.Post("/fundlocks", fundlockSvc.HandleInit)
		r.Route("/fundlocks/{fundlockID}", func(r chi.Router) {
			r.Post("/deposit", fundlockSvc.HandleDeposit)
			r.Post("/withdraw", fundlockSvc.HandleWithdraw)
			r.Post("/release", fundlockSvc.HandleRelease)
			r.Get("/balance-sheet", fundlockSvc.HandleSheet)
			r.Post("/balances", fundlockSvc.HandleUpdateBalances)
			r.Get("/journal", fundlockSvc.HandleJournal)
			r.Post("/collateral/deposit", fundlockSvc.HandleDepositCollateral)
			r.Post("/collateral/redeem", fundlockSvc.HandleRedeemCollateral)
		})

		// Settlement markets.
		r.Post("/ledgers", ledgerSvc.HandleInitLedger)
		r.Route("/ledgers/{ledgerID}", func(r chi.Router) {
			r.Get("/", ledgerSvc.HandleGetLedger)
			r.Post("/positions", ledgerSvc.HandlePositions)
			r.Get("/positions/{contractID}", ledgerSvc.HandleGetPosition)
			r.Post("/fund-movements", ledgerSvc.HandleFundMovements)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("custody-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down custody-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("custody-engine stopped")
}
