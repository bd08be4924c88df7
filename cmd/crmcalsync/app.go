package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/macjediwizard/crmcalsync/internal/caldav"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/config"
	"github.com/macjediwizard/crmcalsync/internal/crypto"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/engine"
	"github.com/macjediwizard/crmcalsync/internal/google"
	"github.com/macjediwizard/crmcalsync/internal/lock"
	"github.com/macjediwizard/crmcalsync/internal/notify"
	"github.com/macjediwizard/crmcalsync/internal/token"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	db       *db.DB
	tokens   *token.Store
	google   *google.Client
	caldav   *caldav.Client
	redis    *lock.Redis
	notifier *notify.Notifier
	engine   *engine.Engine
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := db.New(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{cfg: cfg, db: database}

	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	registry := calendar.NewRegistry()
	if cfg.Google.Enabled() {
		a.google = google.NewClient(google.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURI,
		})
		registry.Register(string(db.ProviderGoogle), a.google)
	}
	if cfg.CalDAV.ServerURL != "" {
		if a.caldav, err = caldav.NewClient(cfg.CalDAV.ServerURL); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize caldav client: %w", err)
		}
		registry.Register(string(db.ProviderCalDAV), a.caldav)
	}
	log.Printf("Calendar providers: %s", strings.Join(registry.Providers(), ", "))

	a.tokens = token.NewStore(database, encryptor, registry, cfg.Sync.RefreshMargin)

	var locker lock.Locker = lock.NewMemory()
	if cfg.Redis.URL != "" {
		if a.redis, err = lock.NewRedis(cfg.Redis.URL); err != nil {
			a.close()
			return nil, err
		}
		locker = a.redis
		log.Println("Using Redis for account sync locks")
	}

	a.notifier = notify.New(notify.Config{
		WebhookURL:   cfg.Alerts.WebhookURL,
		SMTPHost:     cfg.Alerts.SMTPHost,
		SMTPPort:     cfg.Alerts.SMTPPort,
		SMTPUsername: cfg.Alerts.SMTPUsername,
		SMTPPassword: cfg.Alerts.SMTPPassword,
		SMTPFrom:     cfg.Alerts.SMTPFrom,
		SMTPTo:       splitList(cfg.Alerts.SMTPTo),
		Cooldown:     cfg.Alerts.Cooldown,
	})
	if a.notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook: %v, email: %v, cooldown: %s)",
			cfg.Alerts.WebhookURL != "", cfg.Alerts.SMTPHost != "", cfg.Alerts.Cooldown)
	}

	a.engine = engine.New(database, a.tokens, registry, engine.Config{
		Concurrency:    cfg.Sync.Concurrency,
		CallTimeout:    cfg.Sync.CallTimeout,
		AccountTimeout: cfg.Sync.AccountTimeout,
	}, engine.WithLocker(locker), engine.WithAlerter(a.notifier))

	return a, nil
}

// close waits for pending alerts and releases connections.
func (a *app) close() {
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("Error closing redis: %v", err)
		}
	}
	if err := a.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

// googleConnector discovers Google's signing keys for the consent flow.
func (a *app) googleConnector(ctx context.Context) (*google.Connector, error) {
	if a.google == nil {
		return nil, nil
	}
	return google.DiscoverConnector(ctx, a.google.OAuthConfig())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
