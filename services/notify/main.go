package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/labbooking/pkg/config"
	"github.com/diagnosis/labbooking/pkg/events"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/metrics"
	mw "github.com/diagnosis/labbooking/pkg/middleware"
	"github.com/diagnosis/labbooking/pkg/response"
	"github.com/diagnosis/labbooking/services/notify/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.SetDefault(logger.New(os.Stdout, cfg.LogLevel))
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := events.NewNATSEventBus(cfg.NATS.URL, "labbooking-notify")
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	// No SMS provider is wired yet; the dev gateway prints to stdout.
	w := worker.New(worker.DevGateway{})
	wctx := context.WithValue(ctx, logger.ServiceKey, "notify")
	if _, err := bus.QueueSubscribe(wctx, events.NotifySend, "notify", w.Handle); err != nil {
		logger.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("notify"))
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(mw.Metrics)
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !bus.Connected() {
			response.WriteError(w, http.StatusServiceUnavailable, "NATS disconnected", "NOT_READY")
			return
		}
		response.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down notify service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Notify service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting notify service", "port", cfg.Port, "subject", events.NotifySend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Notify service error", "error", err)
		os.Exit(1)
	}
}
