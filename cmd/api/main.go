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

	"crm-voice/internal/audit"
	"crm-voice/internal/auth"
	"crm-voice/internal/calls"
	"crm-voice/internal/config"
	"crm-voice/internal/crm"
	"crm-voice/internal/httpapi"
	"crm-voice/internal/installs"
	"crm-voice/internal/telephony"
	"crm-voice/pkg/logger"
	"crm-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
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

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	keyPEM, err := os.ReadFile(cfg.Vonage.PrivateKeyPath)
	if err != nil {
		log.Error("provider key read failed", "path", cfg.Vonage.PrivateKeyPath, "err", err)
		os.Exit(1)
	}
	privateKey, err := telephony.ParsePrivateKey(keyPEM)
	if err != nil {
		log.Error("provider key parse failed", "err", err)
		os.Exit(1)
	}

	provider, err := telephony.NewVonageProvider(telephony.VonageOptions{
		APIBaseURL:    cfg.Vonage.APIBaseURL,
		ApplicationID: cfg.Vonage.ApplicationID,
		PrivateKey:    privateKey,
		FromNumber:    cfg.Vonage.FromNumber,
		PlaceAttempts: cfg.Vonage.PlaceAttempts,
		Logger:        log,
	})
	if err != nil {
		log.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	installsSvc, err := installs.NewService(installs.NewPostgresRepo(db), installs.Options{
		WebhookBaseURL: cfg.Voice.WebhookBaseURL,
		TokenMaxAge:    cfg.Voice.TokenMaxAge,
		Cache:          rdb,
		Logger:         log,
	})
	if err != nil {
		log.Error("installs init failed", "err", err)
		os.Exit(1)
	}
	// Provision the default installation up front so the first call does not
	// pay for secret generation, and a broken DB fails the boot, not a call.
	if _, err := installsSvc.GetOrCreateDefault(rootCtx); err != nil {
		log.Error("installation provisioning failed", "err", err)
		os.Exit(1)
	}

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	directory := crm.NewPostgresDirectory(db)

	orchestrator, err := calls.NewOrchestrator(
		calls.NewPostgresLedger(db),
		provider,
		directory,
		installsSvc,
		calls.OrchestratorOptions{
			Limiter: calls.NewRedisLimiter(rdb, 0),
			Audit:   auditSvc,
			Logger:  log,
		},
	)
	if err != nil {
		log.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}

	webhooks := telephony.WebhookHandler{
		Sink:           orchestrator,
		Verifier:       installsSvc,
		Audit:          auditSvc,
		MusicOnHoldURL: cfg.Voice.MusicOnHoldURL,
	}

	api := httpapi.Handlers{
		Auth:      authManager,
		Calls:     orchestrator,
		Directory: directory,
		MintClientToken: func(sub string, now time.Time) (string, error) {
			return telephony.MintClientJWT(cfg.Vonage.ApplicationID, sub, privateKey, now, cfg.Voice.ClientTokenTTL)
		},
		ClientTokenTTL: cfg.Voice.ClientTokenTTL,
		TestCallNumber: cfg.Voice.TestCallNumber,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		AuthMW:   auth.RequireAccessToken(authManager),
		API:      api,
		Webhooks: webhooks,
		DB:       db,
		Redis:    rdb,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "provider", provider.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
