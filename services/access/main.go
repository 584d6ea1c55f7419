package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/auth"
	"github.com/diagnosis/labbooking/pkg/config"
	"github.com/diagnosis/labbooking/pkg/database"
	"github.com/diagnosis/labbooking/pkg/events"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/metrics"
	mw "github.com/diagnosis/labbooking/pkg/middleware"
	"github.com/diagnosis/labbooking/pkg/otp"
	"github.com/diagnosis/labbooking/pkg/ratelimit"
	"github.com/diagnosis/labbooking/services/access/internal/handlers"
	"github.com/diagnosis/labbooking/services/access/internal/mailer"
	"github.com/diagnosis/labbooking/services/access/internal/repository"
	"github.com/diagnosis/labbooking/services/access/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.SetDefault(logger.New(os.Stdout, cfg.LogLevel))
	metrics.Init()
	audit.SetTrustedProxies(cfg.Server.TrustedProxies)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	codeDB := stdlib.OpenDBFromPool(pool)
	defer codeDB.Close()

	// Connect to event bus
	var bus events.Publisher = events.Discard{}
	if cfg.NATS.URL != "" {
		nbus, err := events.NewNATSEventBus(cfg.NATS.URL, "labbooking-access")
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		bus = nbus
	} else {
		logger.Warn("NATS_URL not set, audit fan-out and SMS delivery disabled")
	}
	defer bus.Close()

	auditLog := audit.New(audit.MultiSink{audit.LogSink{}, audit.EventSink{Publisher: bus}})

	// Limiter counters and revoked tokens
	var (
		limitStore ratelimit.Store
		denylist   auth.Denylist
	)
	switch cfg.StateBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		limitStore = ratelimit.NewRedisStore(rdb, "")
		denylist = auth.NewRedisDenylist(rdb, "")
	default:
		mem := auth.NewMemoryDenylist()
		limitStore = ratelimit.NewMemoryStore()
		denylist = mem
		go sweepDenylist(ctx, mem, cfg.Server.SweepInterval)
	}
	limiter := ratelimit.New(limitStore, cfg.RateLimits)

	// Code delivery
	router := mailer.Router{Email: emailSender(cfg.Email), SMS: mailer.NewSMSPublisher(bus)}

	// Initialize repositories
	userRepo := repository.NewUserRepository(pool)
	directory := repository.Directory{Users: userRepo}

	codes, err := otp.NewService(otp.NewPostgresStore(codeDB), router, directory, auditLog, otp.Config{
		Purposes:        cfg.OTP.Purposes,
		DispatchTimeout: cfg.OTP.DispatchTimeout,
		HashCost:        cfg.OTP.HashCost,
	})
	if err != nil {
		logger.Error("Invalid OTP configuration", "error", err)
		os.Exit(1)
	}

	signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.AccessTokenTTL)
	if err != nil {
		logger.Error("Invalid token configuration", "error", err)
		os.Exit(1)
	}
	authn := auth.NewAuthenticator(signer, directory, auditLog,
		auth.WithLimiter(limiter),
		auth.WithDenylist(denylist),
		auth.WithCookieName(cfg.Auth.CookieName),
	)

	// Initialize services
	authService, err := service.NewAuthService(userRepo, codes, signer, authn, auditLog, nil)
	if err != nil {
		logger.Error("Failed to initialize auth service", "error", err)
		os.Exit(1)
	}

	// Initialize handlers
	h := handlers.New(authService, authn, limiter, cfg.Auth)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("access"))
	r.Use(mw.AuditContext)
	r.Use(mw.Logging)
	r.Use(mw.Recover)
	r.Use(mw.Health)
	r.Use(mw.Metrics)

	// Routes
	r.Mount("/v1/auth", h.AuthRoutes())
	r.Mount("/v1/admin", h.AdminRoutes())
	r.Mount("/v1/users", h.UserRoutes())

	// Background sweepers stop with ctx
	go limiter.Run(ctx, cfg.Server.SweepInterval)
	go codes.Run(ctx, cfg.Server.SweepInterval)

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down access service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Access service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting access service", "port", cfg.Server.Port, "state_backend", cfg.StateBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Access service error", "error", err)
		os.Exit(1)
	}
}

func emailSender(cfg config.EmailConfig) otp.Sender {
	switch {
	case cfg.DevMode:
		logger.Warn("EMAIL_DEV_MODE enabled, verification codes are printed to stdout")
		return mailer.NewDevMailer()
	case cfg.MailerSendKey != "":
		ms, err := mailer.NewMailerSend(cfg.MailerSendKey, cfg.FromName, cfg.SMTPFrom)
		if err == nil {
			return ms
		}
		logger.Error("MailerSend unavailable, falling back to SMTP", "error", err)
	}
	return mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass)
}

func sweepDenylist(ctx context.Context, d *auth.MemoryDenylist, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}
