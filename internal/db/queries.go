package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `id, user_id, provider, external_email, access_token, refresh_token,
	token_expires_at, scopes, sync_status, last_error, last_sync_at, sync_started_at,
	created_at, updated_at`

const calendarColumns = `id, account_id, external_id, name, color, is_visible, is_primary,
	is_writable, sync_cursor, cursor_committed_at, pull_started_at, last_sync_at,
	created_at, updated_at`

const eventColumns = `id, calendar_id, external_id, title, description, location, start_at,
	end_at, start_date, end_date, all_day, status, attendees, activity_id, etag,
	remote_updated_at, source, last_synced_at`

const activityColumns = `id, user_id, title, type, status, notes, outcome, objective,
	assigned_to, scheduled_at, all_day, start_date, end_date, duration_minutes, location,
	sync_to_calendar, needs_push, remote_event_id, remote_calendar_id, created_at, updated_at`

// CreateAccount inserts a newly connected account in the idle state.
func (db *DB) CreateAccount(ctx context.Context, acct *Account) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	now := nowUTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.SyncStatus = SyncStatusIdle

	query := db.conn.Rebind(`INSERT INTO calendar_accounts (id, user_id, provider, external_email,
		access_token, refresh_token, token_expires_at, scopes, sync_status, last_error,
		created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`)

	_, err := db.conn.ExecContext(ctx, query, acct.ID, acct.UserID, acct.Provider, acct.ExternalEmail,
		acct.AccessToken, acct.RefreshToken, utcPtr(acct.TokenExpiresAt), acct.Scopes, acct.SyncStatus,
		acct.CreatedAt, acct.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID.
func (db *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	acct := &Account{}
	query := db.conn.Rebind(`SELECT ` + accountColumns + ` FROM calendar_accounts WHERE id = ?`)
	err := db.conn.GetContext(ctx, acct, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccountForUser returns an account only if it belongs to userID.
func (db *DB) GetAccountForUser(ctx context.Context, id, userID string) (*Account, error) {
	acct, err := db.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, ErrNotFound
	}
	return acct, nil
}

// FindAccount returns the account for a user, provider and external identity.
func (db *DB) FindAccount(ctx context.Context, userID string, provider Provider, email string) (*Account, error) {
	acct := &Account{}
	query := db.conn.Rebind(`SELECT ` + accountColumns + ` FROM calendar_accounts
		WHERE user_id = ? AND provider = ? AND external_email = ?`)
	err := db.conn.GetContext(ctx, acct, query, userID, provider, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return acct, nil
}

// ListAccountsByUser returns a user's accounts, oldest connection first.
func (db *DB) ListAccountsByUser(ctx context.Context, userID string) ([]*Account, error) {
	var accounts []*Account
	query := db.conn.Rebind(`SELECT ` + accountColumns + ` FROM calendar_accounts
		WHERE user_id = ? ORDER BY created_at, id`)
	if err := db.conn.SelectContext(ctx, &accounts, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListActiveAccounts returns every account that holds a credential, least
// recently synced first.
func (db *DB) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	query := `SELECT ` + accountColumns + ` FROM calendar_accounts
		WHERE refresh_token <> '' OR access_token <> ''
		ORDER BY CASE WHEN last_sync_at IS NULL THEN 0 ELSE 1 END, last_sync_at, id`
	if err := db.conn.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountTokens persists a refreshed credential in one statement.
// An empty refreshToken keeps the stored one.
func (db *DB) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	var (
		result sql.Result
		err    error
	)
	if refreshToken == "" {
		query := db.conn.Rebind(`UPDATE calendar_accounts SET access_token = ?, token_expires_at = ?,
			updated_at = ? WHERE id = ?`)
		result, err = db.conn.ExecContext(ctx, query, accessToken, utcPtr(expiresAt), nowUTC(), id)
	} else {
		query := db.conn.Rebind(`UPDATE calendar_accounts SET access_token = ?, refresh_token = ?,
			token_expires_at = ?, updated_at = ? WHERE id = ?`)
		result, err = db.conn.ExecContext(ctx, query, accessToken, refreshToken, utcPtr(expiresAt), nowUTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return requireAffected(result)
}

// UpdateAccountScopes records the scopes granted on reconnect.
func (db *DB) UpdateAccountScopes(ctx context.Context, id, scopes string) error {
	query := db.conn.Rebind(`UPDATE calendar_accounts SET scopes = ?, updated_at = ? WHERE id = ?`)
	result, err := db.conn.ExecContext(ctx, query, scopes, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account scopes: %w", err)
	}
	return requireAffected(result)
}

// MarkAccountSyncing moves an account into the syncing state.
func (db *DB) MarkAccountSyncing(ctx context.Context, id string, startedAt time.Time) error {
	query := db.conn.Rebind(`UPDATE calendar_accounts SET sync_status = ?, sync_started_at = ?,
		updated_at = ? WHERE id = ?`)
	result, err := db.conn.ExecContext(ctx, query, SyncStatusSyncing, startedAt.UTC(), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark account syncing: %w", err)
	}
	return requireAffected(result)
}

// MarkAccountSynced records a successful run: idle, error cleared,
// last_sync_at stamped.
func (db *DB) MarkAccountSynced(ctx context.Context, id string, at time.Time) error {
	query := db.conn.Rebind(`UPDATE calendar_accounts SET sync_status = ?, last_error = '',
		last_sync_at = ?, updated_at = ? WHERE id = ?`)
	result, err := db.conn.ExecContext(ctx, query, SyncStatusIdle, at.UTC(), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}
	return requireAffected(result)
}

// MarkAccountError records a failed run.
func (db *DB) MarkAccountError(ctx context.Context, id, message string) error {
	query := db.conn.Rebind(`UPDATE calendar_accounts SET sync_status = ?, last_error = ?,
		updated_at = ? WHERE id = ?`)
	result, err := db.conn.ExecContext(ctx, query, SyncStatusError, message, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark account error: %w", err)
	}
	return requireAffected(result)
}

// DeleteAccount removes an account; calendars, cached events and logs
// cascade. Activities that were linked to its calendars are released.
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		var calendarIDs []string
		q := tx.tx.Rebind(`SELECT id FROM calendars WHERE account_id = ?`)
		if err := tx.tx.Select(&calendarIDs, q, id); err != nil {
			return fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, calID := range calendarIDs {
			if err := tx.deleteCalendar(calID); err != nil {
				return err
			}
		}

		query := tx.tx.Rebind(`DELETE FROM calendar_accounts WHERE id = ?`)
		result, err := tx.tx.Exec(query, id)
		if err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
		return requireAffected(result)
	})
}

// ListCalendars returns an account's calendars, primary first.
func (db *DB) ListCalendars(ctx context.Context, accountID string) ([]*Calendar, error) {
	var calendars []*Calendar
	query := db.conn.Rebind(`SELECT ` + calendarColumns + ` FROM calendars
		WHERE account_id = ? ORDER BY is_primary DESC, name, id`)
	if err := db.conn.SelectContext(ctx, &calendars, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	return calendars, nil
}

// GetCalendar returns a calendar by ID.
func (db *DB) GetCalendar(ctx context.Context, id string) (*Calendar, error) {
	cal := &Calendar{}
	query := db.conn.Rebind(`SELECT ` + calendarColumns + ` FROM calendars WHERE id = ?`)
	err := db.conn.GetContext(ctx, cal, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar: %w", err)
	}
	return cal, nil
}

// SetCalendarVisible toggles whether a calendar takes part in sync.
func (db *DB) SetCalendarVisible(ctx context.Context, id string, visible bool) error {
	query := db.conn.Rebind(`UPDATE calendars SET is_visible = ?, updated_at = ? WHERE id = ?`)
	result, err := db.conn.ExecContext(ctx, query, visible, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update calendar visibility: %w", err)
	}
	return requireAffected(result)
}

// MarkPullStarted stamps the beginning of a pull. Together with
// cursor_committed_at it lets the next run detect an interrupted apply.
func (db *DB) MarkPullStarted(ctx context.Context, calendarID string, at time.Time) error {
	query := db.conn.Rebind(`UPDATE calendars SET pull_started_at = ? WHERE id = ?`)
	if _, err := db.conn.ExecContext(ctx, query, at.UTC(), calendarID); err != nil {
		return fmt.Errorf("failed to mark pull started: %w", err)
	}
	return nil
}

// ClearCursor forces the next pull of a calendar to be a full listing.
func (db *DB) ClearCursor(ctx context.Context, calendarID string) error {
	query := db.conn.Rebind(`UPDATE calendars SET sync_cursor = NULL, updated_at = ? WHERE id = ?`)
	if _, err := db.conn.ExecContext(ctx, query, nowUTC(), calendarID); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

// ListEvents returns the cached events of a calendar.
func (db *DB) ListEvents(ctx context.Context, calendarID string) ([]*CalendarEvent, error) {
	var events []*CalendarEvent
	query := db.conn.Rebind(`SELECT ` + eventColumns + ` FROM calendar_events
		WHERE calendar_id = ? ORDER BY external_id`)
	if err := db.conn.SelectContext(ctx, &events, query, calendarID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// CreateActivity inserts a CRM activity. An activity that should appear on
// the calendar is queued for push.
func (db *DB) CreateActivity(ctx context.Context, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := nowUTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.SyncToCalendar {
		a.NeedsPush = true
	}

	query := db.conn.Rebind(`INSERT INTO activities (` + activityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.conn.ExecContext(ctx, query, a.ID, a.UserID, a.Title, a.Type, a.Status, a.Notes,
		a.Outcome, a.Objective, a.AssignedTo, utcPtr(a.ScheduledAt), a.AllDay, a.StartDate, a.EndDate,
		a.DurationMinutes, a.Location, a.SyncToCalendar, a.NeedsPush, a.RemoteEventID,
		a.RemoteCalendarID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create activity: %w", err)
	}
	return nil
}

// UpdateActivity saves an edit made in the CRM and queues it for push when
// the activity is synced to a calendar.
func (db *DB) UpdateActivity(ctx context.Context, a *Activity) error {
	a.UpdatedAt = nowUTC()
	if a.SyncToCalendar {
		a.NeedsPush = true
	}

	query := db.conn.Rebind(`UPDATE activities SET title = ?, type = ?, status = ?, notes = ?,
		outcome = ?, objective = ?, assigned_to = ?, scheduled_at = ?, all_day = ?, start_date = ?,
		end_date = ?, duration_minutes = ?, location = ?, sync_to_calendar = ?, needs_push = ?,
		updated_at = ? WHERE id = ?`)
	result, err := db.conn.ExecContext(ctx, query, a.Title, a.Type, a.Status, a.Notes, a.Outcome,
		a.Objective, a.AssignedTo, utcPtr(a.ScheduledAt), a.AllDay, a.StartDate, a.EndDate,
		a.DurationMinutes, a.Location, a.SyncToCalendar, a.NeedsPush, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	return requireAffected(result)
}

// GetActivity returns an activity by ID.
func (db *DB) GetActivity(ctx context.Context, id string) (*Activity, error) {
	a := &Activity{}
	query := db.conn.Rebind(`SELECT ` + activityColumns + ` FROM activities WHERE id = ?`)
	err := db.conn.GetContext(ctx, a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// ListPendingPush returns a user's activities waiting to be written to the
// calendar. Activities bound to calendarID are included, plus unbound ones
// when includeUnbound is set (calendarID is the user's push target).
func (db *DB) ListPendingPush(ctx context.Context, userID, calendarID string, includeUnbound bool) ([]*Activity, error) {
	var activities []*Activity
	query := db.conn.Rebind(`SELECT ` + activityColumns + ` FROM activities
		WHERE user_id = ? AND sync_to_calendar = ? AND needs_push = ?
		AND (remote_calendar_id = ? OR (? AND remote_calendar_id = ''))
		ORDER BY created_at, id`)
	if err := db.conn.SelectContext(ctx, &activities, query, userID, true, true, calendarID, includeUnbound); err != nil {
		return nil, fmt.Errorf("failed to list pending activities: %w", err)
	}
	return activities, nil
}

// ListPendingRemoval returns a user's activities on calendarID that still
// have a remote event although they no longer sync to the calendar.
func (db *DB) ListPendingRemoval(ctx context.Context, userID, calendarID string) ([]*Activity, error) {
	var activities []*Activity
	query := db.conn.Rebind(`SELECT ` + activityColumns + ` FROM activities
		WHERE user_id = ? AND remote_calendar_id = ? AND remote_event_id <> '' AND sync_to_calendar = ?
		ORDER BY created_at, id`)
	if err := db.conn.SelectContext(ctx, &activities, query, userID, calendarID, false); err != nil {
		return nil, fmt.Errorf("failed to list activities to remove: %w", err)
	}
	return activities, nil
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = nowUTC()
	log.DurationMs = log.Duration.Milliseconds()

	query := db.conn.Rebind(`INSERT INTO sync_logs (id, account_id, status, message, calendars_synced,
		events_upserted, events_deleted, events_pushed, full_resyncs, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.conn.ExecContext(ctx, query, log.ID, log.AccountID, log.Status, log.Message,
		log.CalendarsSynced, log.EventsUpserted, log.EventsDeleted, log.EventsPushed, log.FullResyncs,
		log.DurationMs, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// GetSyncLogs returns the most recent sync logs for an account.
func (db *DB) GetSyncLogs(ctx context.Context, accountID string, limit int) ([]*SyncLog, error) {
	var logs []*SyncLog
	query := db.conn.Rebind(`SELECT id, account_id, status, message, calendars_synced, events_upserted,
		events_deleted, events_pushed, full_resyncs, duration_ms, created_at
		FROM sync_logs WHERE account_id = ? ORDER BY created_at DESC, id LIMIT ?`)
	if err := db.conn.SelectContext(ctx, &logs, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	for _, l := range logs {
		l.Duration = time.Duration(l.DurationMs) * time.Millisecond
	}
	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	query := db.conn.Rebind(`DELETE FROM sync_logs WHERE created_at < ?`)
	result, err := db.conn.ExecContext(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
