package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/fanbase/market-engine/internal/feed"
	"github.com/fanbase/market-engine/internal/metrics"
	"github.com/fanbase/market-engine/internal/pricing"
	"github.com/fanbase/market-engine/internal/rating"
	"github.com/fanbase/market-engine/internal/trade"
	"github.com/fanbase/market-engine/internal/valuation"
)

func serveCmd() *cobra.Command {
	var instrumentsPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pricing loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var sf seedFile
			if instrumentsPath != "" {
				var err error
				if sf, err = readSeedFile(instrumentsPath); err != nil {
					return err
				}
			}

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			// Seed before the API listens.
			if instrumentsPath != "" {
				if err := a.seed(ctx, sf); err != nil {
					return fmt.Errorf("seed instruments: %w", err)
				}
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&instrumentsPath, "instruments", "", "YAML file of instruments to create before serving")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ratings := rating.NewUpdater(decimal.NewFromFloat(a.cfg.Pricing.MinRating))

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(a.log.With("component", "ws"))
	go wsHub.Run(ctx)

	// --- Trade service and valuator ---
	tradeSvc := trade.NewService(a.store, ratings, a.cfg.Trading,
		decimal.NewFromFloat(a.cfg.Valuation.InitialCash), wsHub, a.log.With("component", "trade"))
	valuator := valuation.NewValuator(a.store, a.cfg.Valuation, a.log.With("component", "valuation"))

	// --- Pricing loop ---
	if a.cfg.Feed.URL != "" {
		f := feed.NewHTTPFeed(a.cfg.Feed, a.log.With("component", "feed"))
		defer f.Close()
		engine := pricing.NewEngine(a.store, f, a.cfg.Pricing, a.log.With("component", "pricing"),
			pricing.WithUpdater(ratings),
			pricing.WithBroadcaster(wsHub),
		)
		go engine.Run(ctx)
	} else {
		a.log.Warnw("FEED_URL not set, pricing loop disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and trade updates.
		r.Get("/ws", wsHub.HandleWS)

		// Requests other than the websocket get a deadline.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/users", tradeSvc.HandleRegister)
			r.Post("/trades/{kind}", tradeSvc.HandleTrade)
			valuator.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infow("market-engine listening", "port", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	a.log.Infow("shutting down market-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.log.Infow("market-engine stopped")
	return nil
}
