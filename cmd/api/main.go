package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/httpapi"
	"callbridge/internal/model"
	"callbridge/internal/observability"
	"callbridge/internal/pricing"
	"callbridge/internal/reporting"
	"callbridge/internal/routing"
	"callbridge/internal/store"
	"callbridge/internal/telephony"
	"callbridge/internal/tools"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	metricsNamespace = "callbridge"
	sweepInterval    = time.Minute
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	pg, err := store.Open(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer pg.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(metricsNamespace, reg)

	auditSvc := audit.NewService(pg)
	pricingSvc := pricing.NewService(pg)

	engine := routing.NewEngine(pg, log.With("component", "routing"),
		routing.AuditRecorder{Audit: auditSvc, Log: log},
		metrics,
	)
	assignments := routing.NewAssignments(cfg.Session.AssignmentTTL)
	go assignments.Run(rootCtx, sweepInterval)

	webhookClient := tools.NewWebhookClient(cfg.Session.ToolTimeout)
	builtins := &tools.Builtins{Store: pg, Quoter: pricingSvc, Webhooks: webhookClient}
	registry, err := tools.NewRegistry(pg, log.With("component", "tools"), builtins.Definitions()...)
	if err != nil {
		log.Error("tool registry init failed", "err", err)
		os.Exit(1)
	}
	bridge := tools.NewBridge(cfg.Session.ToolTimeout, webhookClient, log.With("component", "tools"))
	bridge.Recorder = tools.AuditRecorder{Audit: auditSvc, Log: log}
	bridge.Observer = metrics

	// The carrier is optional in development; without it outbound calls and
	// remote hangups are disabled.
	var carrier calls.Carrier
	twilio, err := telephony.NewClient(telephony.ClientConfig{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})
	switch {
	case err == nil:
		carrier = twilio
	case errors.Is(err, telephony.ErrNotConfigured):
		log.Warn("twilio credentials missing, outbound calls disabled")
	default:
		log.Error("twilio client init failed", "err", err)
		os.Exit(1)
	}

	manager := calls.NewManager(calls.Config{
		Model: model.Config{
			Endpoint:     cfg.Gemini.Endpoint,
			APIKey:       cfg.Gemini.APIKey,
			Model:        cfg.Gemini.Model,
			Voice:        cfg.Gemini.Voice,
			Language:     cfg.Gemini.Language,
			SystemPrompt: cfg.Gemini.SystemInstruction,
		},
		ProbeInterval:     cfg.Session.ProbeInterval,
		MaxRecreates:      cfg.Session.MaxRecreates,
		RecreateWindow:    cfg.Session.RecreateWindow,
		ApologyGrace:      cfg.Session.ApologyGrace,
		StreamURL:         cfg.Twilio.MediaStreamURL,
		StatusCallbackURL: cfg.CallbackURL(telephony.PathStatus),
		FromNumber:        cfg.Twilio.FromNumber,
	}, calls.Deps{
		Engine:      engine,
		Assignments: assignments,
		Tools:       registry,
		Bridge:      bridge,
		CallLog:     pg,
		Audit:       auditSvc,
		Capacity:    calls.RedisCapacity{Client: rdb},
		Carrier:     carrier,
		Metrics:     metrics,
		Log:         log.With("component", "calls"),
	})

	webhooks := telephony.Webhooks{
		Engine:      engine,
		Assignments: assignments,
		Status:      manager,
		StreamURL:   cfg.Twilio.MediaStreamURL,
	}
	api := httpapi.Handlers{
		Auth:        authManager,
		OperatorKey: cfg.Auth.OperatorKey,
		Calls:       manager,
		Engine:      engine,
		Reports:     reporting.NewService(pg),
		Pricing:     pricingSvc,
		Audit:       auditSvc,
		Ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, pg.DB(), 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	var webhookMW []gin.HandlerFunc
	if cfg.Twilio.ValidateSignature {
		webhookMW = append(webhookMW, telephony.RequireSignature(cfg.Twilio.AuthToken, cfg.Twilio.PublicBaseURL))
	}
	registerRoutes(r, routeDeps{
		API:       api,
		Webhooks:  webhooks,
		WebhookMW: webhookMW,
		AuthMW:    auth.RequireAccessToken(authManager),
		Metrics:   metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,

		// Media streams are long-lived websockets; per-request read and
		// write deadlines would cut live calls.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return rootCtx },
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "media_stream_url", cfg.Twilio.MediaStreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "active_calls", manager.Count())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	manager.Wait()
	bridge.Wait()
}
