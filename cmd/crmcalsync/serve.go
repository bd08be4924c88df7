package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/metrics"
	"github.com/macjediwizard/crmcalsync/internal/scheduler"
	"github.com/macjediwizard/crmcalsync/internal/web"
	"github.com/spf13/cobra"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	validateTimeout = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	var skipValidation, syncOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(skipValidation, syncOnStart)
		},
	}
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "do not check configured upstreams at startup")
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", false, "run a sync batch as soon as the scheduler starts")
	return cmd
}

func serve(skipValidation, syncOnStart bool) error {
	log.Println("Starting crmcalsync...")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	if !skipValidation {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := cfg.Validate(vctx)
		cancel()
		if err != nil {
			return err
		}
	}

	connector, err := a.googleConnector(ctx)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(a.engine, a.db, scheduler.Config{
		Schedule:     cfg.Sync.Schedule,
		BatchTimeout: cfg.Sync.BatchTimeout,
		LogRetention: cfg.Sync.LogRetention,
	})
	if err != nil {
		return err
	}

	var sessionOpts []auth.SessionOption
	if cfg.Security.CookieDomain != "" {
		sessionOpts = append(sessionOpts, auth.WithCookieDomain(cfg.Security.CookieDomain))
	}
	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction(), sessionOpts...)
	signer := auth.NewSigner(cfg.Security.SessionSecret)

	deps := web.Dependencies{
		BaseURL: cfg.Server.BaseURL,
		DB:      a.db,
		Engine:  a.engine,
		Tokens:  a.tokens,
		Session: sessionManager,
		Signer:  signer,
		Batch:   sched,
		Checks:  map[string]web.Pinger{"database": a.db},
	}
	// Typed nils must not reach the interface fields.
	if connector != nil {
		deps.Google = connector
	}
	if a.caldav != nil {
		deps.CalDAV = a.caldav
	}
	if a.redis != nil {
		deps.Checks["redis"] = a.redis
	}
	handlers := web.NewHandlers(deps)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())
	router.Use(metrics.Middleware())

	web.SetupRoutes(router, handlers, sessionManager, signer, web.RouteConfig{
		CronSecret: cfg.Security.CronSecret,
		RPS:        cfg.RateLimiting.RPS,
		Burst:      cfg.RateLimiting.Burst,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	log.Printf("Scheduler started with %d jobs", sched.GetJobCount())
	if syncOnStart {
		sched.TriggerSync()
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err = <-serverErr:
		log.Printf("Server error: %v", err)
	}

	log.Println("Shutting down server...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
	return err
}
