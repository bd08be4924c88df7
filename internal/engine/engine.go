// Package engine reconciles connected calendar accounts with CRM activities.
//
// A run for one account pulls every visible calendar with its incremental
// cursor, applies the batch and the new cursor in one transaction, then
// pushes activities waiting to be written. Calendar-shaped fields (schedule,
// title, location) are owned by the remote side; business fields stay with
// the CRM. A failure is recorded on the account and never escapes it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/activity"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/db"
	"github.com/macjediwizard/crmcalsync/internal/lock"
	"github.com/macjediwizard/crmcalsync/internal/token"
)

var (
	// ErrPartialApply marks a run that started pulling a calendar but never
	// committed its cursor. The stored cursor is not trusted afterwards.
	ErrPartialApply = errors.New("previous sync was interrupted before its batch was applied")
	// ErrSyncInProgress is returned when another run holds the account.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Alerter is told when an account starts failing and when it recovers.
type Alerter interface {
	AccountFailed(ctx context.Context, accountID, email, reason string, reconnect bool) bool
	AccountRecovered(ctx context.Context, accountID, email string) bool
}

// Config bounds the work done by the engine.
type Config struct {
	// Concurrency is how many accounts SyncAll runs at once.
	Concurrency int
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration
	// AccountTimeout bounds one account's whole run.
	AccountTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		CallTimeout:    30 * time.Second,
		AccountTimeout: 5 * time.Minute,
	}
}

// Engine runs account syncs.
type Engine struct {
	db       *db.DB
	tokens   *token.Store
	registry *calendar.Registry
	locker   lock.Locker
	tracker  *activity.Tracker
	alerter  Alerter
	cfg      Config
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the process-local account lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithAlerter sends failure and recovery alerts through a.
func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// New creates an Engine. Zero values in cfg fall back to DefaultConfig.
func New(database *db.DB, tokens *token.Store, registry *calendar.Registry, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = def.AccountTimeout
	}

	e := &Engine{
		db:       database,
		tokens:   tokens,
		registry: registry,
		locker:   lock.NewMemory(),
		tracker:  activity.NewTracker(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker returns the live progress tracker.
func (e *Engine) Tracker() *activity.Tracker {
	return e.tracker
}

// SyncResult is the outcome of one account run.
type SyncResult struct {
	AccountID         string        `json:"account_id"`
	Email             string        `json:"email,omitempty"`
	Success           bool          `json:"success"`
	Skipped           bool          `json:"skipped,omitempty"`
	ReconnectRequired bool          `json:"reconnect_required,omitempty"`
	Message           string        `json:"message"`
	CalendarsSynced   int           `json:"calendars_synced"`
	EventsUpserted    int           `json:"events_upserted"`
	EventsDeleted     int           `json:"events_deleted"`
	EventsPushed      int           `json:"events_pushed"`
	ActivitiesUpdated int           `json:"activities_updated"`
	FullResyncs       int           `json:"full_resyncs"`
	Errors            []string      `json:"errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// AccountStatus is the persisted sync state of an account.
type AccountStatus struct {
	ID            string        `json:"id"`
	Provider      db.Provider   `json:"provider"`
	ExternalEmail string        `json:"external_email"`
	Status        db.SyncStatus `json:"status"`
	LastError     string        `json:"last_error,omitempty"`
	LastSyncAt    *time.Time    `json:"last_sync_at"`
}

// Status returns the stored state of a user's accounts. It makes no
// remote calls.
func (e *Engine) Status(ctx context.Context, userID string) ([]AccountStatus, error) {
	accounts, err := e.db.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]AccountStatus, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountStatus{
			ID:            a.ID,
			Provider:      a.Provider,
			ExternalEmail: a.ExternalEmail,
			Status:        a.SyncStatus,
			LastError:     a.LastError,
			LastSyncAt:    a.LastSyncAt,
		})
	}
	return out, nil
}

// SyncUser runs one of the user's accounts, or all of them when accountID
// is empty. Accounts are run one after another.
func (e *Engine) SyncUser(ctx context.Context, userID, accountID string) ([]*SyncResult, error) {
	if accountID != "" {
		if _, err := e.db.GetAccountForUser(ctx, accountID, userID); err != nil {
			return nil, err
		}
		return []*SyncResult{e.SyncOne(ctx, accountID)}, nil
	}

	accounts, err := e.db.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	results := make([]*SyncResult, 0, len(accounts))
	for _, a := range accounts {
		results = append(results, e.SyncOne(ctx, a.ID))
	}
	return results, nil
}

// RefreshCalendars reloads the account's calendar list from the provider.
// New calendars start visible with no cursor; vanished ones are removed with
// their cached events.
func (e *Engine) RefreshCalendars(ctx context.Context, accountID string) ([]*db.Calendar, error) {
	acct, err := e.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	client, err := e.registry.Get(string(acct.Provider))
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	access, err := e.tokens.EnsureValid(callCtx, acct)
	cancel()
	if err != nil {
		return nil, err
	}

	callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
	remote, err := client.ListCalendars(callCtx, access)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list remote calendars: %w", err)
	}

	rows := make([]*db.Calendar, 0, len(remote))
	for _, rc := range remote {
		rows = append(rows, &db.Calendar{
			ExternalID: rc.ID,
			Name:       rc.Name,
			Color:      rc.Color,
			IsPrimary:  rc.Primary,
			IsWritable: rc.Writable,
		})
	}

	var added, removed int
	err = e.db.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		added, removed, err = tx.ReplaceCalendars(acct.ID, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Engine] Refreshed calendars for account %s: %d remote, %d added, %d removed",
		acct.ID, len(rows), added, removed)
	return e.db.ListCalendars(ctx, acct.ID)
}

// Disconnect revokes the account's credential upstream and deletes it.
// A failed revoke is logged; the account is deleted regardless.
func (e *Engine) Disconnect(ctx context.Context, accountID string) error {
	acct, err := e.db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	release, ok, err := e.locker.TryLock(ctx, lockKey(acct.ID), e.cfg.AccountTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSyncInProgress
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	if err := e.tokens.Revoke(callCtx, acct); err != nil {
		log.Printf("[Engine] Failed to revoke credential for account %s, deleting anyway: %v", acct.ID, err)
	}
	cancel()

	if err := e.db.DeleteAccount(ctx, acct.ID); err != nil {
		return err
	}
	if f, ok := e.alerter.(interface{ Forget(accountID string) }); ok {
		f.Forget(acct.ID)
	}
	log.Printf("[Engine] Disconnected account %s", acct.ID)
	return nil
}

func lockKey(accountID string) string {
	return "account:" + accountID
}
