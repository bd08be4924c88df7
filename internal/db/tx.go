package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetEvent returns a cached event by its remote identity.
func (t *Tx) GetEvent(calendarID, externalID string) (*CalendarEvent, error) {
	ev := &CalendarEvent{}
	query := t.tx.Rebind(`SELECT ` + eventColumns + ` FROM calendar_events
		WHERE calendar_id = ? AND external_id = ?`)
	err := t.tx.Get(ev, query, calendarID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// UpsertEvent writes a cache row keyed by (calendar_id, external_id) and
// reports whether its content changed. A row whose content is unchanged is
// left untouched, except that a new remote version stamp is recorded, which
// keeps re-applying the same batch or the echo of a push quiet.
func (t *Tx) UpsertEvent(ev *CalendarEvent) (bool, error) {
	existing, err := t.GetEvent(ev.CalendarID, ev.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil {
		ev.ID = existing.ID
		if existing.SameContent(ev) {
			ev.LastSyncedAt = existing.LastSyncedAt
			if (ev.ETag == "" && ev.RemoteUpdatedAt == nil) || existing.SameVersion(ev) {
				return false, nil
			}
			return false, t.stampEvent(ev)
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Source == "" {
		ev.Source = EventSourceRemote
	}
	if ev.Status == "" {
		ev.Status = "confirmed"
	}
	ev.LastSyncedAt = nowUTC()

	query := t.tx.Rebind(`INSERT INTO calendar_events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (calendar_id, external_id) DO UPDATE SET
			title = excluded.title, description = excluded.description,
			location = excluded.location, start_at = excluded.start_at, end_at = excluded.end_at,
			start_date = excluded.start_date, end_date = excluded.end_date,
			all_day = excluded.all_day, status = excluded.status, attendees = excluded.attendees,
			activity_id = excluded.activity_id, etag = excluded.etag,
			remote_updated_at = excluded.remote_updated_at, last_synced_at = excluded.last_synced_at`)
	_, err = t.tx.Exec(query, ev.ID, ev.CalendarID, ev.ExternalID, ev.Title, ev.Description,
		ev.Location, utcPtr(ev.StartAt), utcPtr(ev.EndAt), ev.StartDate, ev.EndDate, ev.AllDay,
		ev.Status, ev.Attendees, ev.ActivityID, ev.ETag, utcPtr(ev.RemoteUpdatedAt), ev.Source,
		ev.LastSyncedAt)
	if err != nil {
		return false, fmt.Errorf("failed to upsert event: %w", err)
	}
	return true, nil
}

// stampEvent records the remote version of a cache row whose content did
// not change.
func (t *Tx) stampEvent(ev *CalendarEvent) error {
	ev.LastSyncedAt = nowUTC()
	query := t.tx.Rebind(`UPDATE calendar_events SET etag = ?, remote_updated_at = ?, last_synced_at = ?
		WHERE id = ?`)
	if _, err := t.tx.Exec(query, ev.ETag, utcPtr(ev.RemoteUpdatedAt), ev.LastSyncedAt, ev.ID); err != nil {
		return fmt.Errorf("failed to stamp event: %w", err)
	}
	return nil
}

// DeleteEvent removes a cached event and returns the row that was removed,
// or nil when nothing was cached under that identity.
func (t *Tx) DeleteEvent(calendarID, externalID string) (*CalendarEvent, error) {
	existing, err := t.GetEvent(calendarID, externalID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	query := t.tx.Rebind(`DELETE FROM calendar_events WHERE id = ?`)
	if _, err := t.tx.Exec(query, existing.ID); err != nil {
		return nil, fmt.Errorf("failed to delete event: %w", err)
	}
	return existing, nil
}

// PruneEvents removes cached events of a calendar whose external IDs are not
// in keep. Used after a full listing, which is authoritative for the window.
func (t *Tx) PruneEvents(calendarID string, keep map[string]bool) (int, error) {
	var ids []struct {
		ID         string `db:"id"`
		ExternalID string `db:"external_id"`
	}
	query := t.tx.Rebind(`SELECT id, external_id FROM calendar_events WHERE calendar_id = ?`)
	if err := t.tx.Select(&ids, query, calendarID); err != nil {
		return 0, fmt.Errorf("failed to list events for prune: %w", err)
	}

	del := t.tx.Rebind(`DELETE FROM calendar_events WHERE id = ?`)
	pruned := 0
	for _, row := range ids {
		if keep[row.ExternalID] {
			continue
		}
		if _, err := t.tx.Exec(del, row.ID); err != nil {
			return pruned, fmt.Errorf("failed to prune event: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

// GetActivity returns an activity by ID.
func (t *Tx) GetActivity(id string) (*Activity, error) {
	a := &Activity{}
	query := t.tx.Rebind(`SELECT ` + activityColumns + ` FROM activities WHERE id = ?`)
	err := t.tx.Get(a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// FindActivityByRemote returns the activity linked to a remote event.
func (t *Tx) FindActivityByRemote(calendarID, externalID string) (*Activity, error) {
	a := &Activity{}
	query := t.tx.Rebind(`SELECT ` + activityColumns + ` FROM activities
		WHERE remote_calendar_id = ? AND remote_event_id = ?`)
	err := t.tx.Get(a, query, calendarID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find activity by remote event: %w", err)
	}
	return a, nil
}

// SaveActivitySync writes the calendar-owned fields and the remote link of
// an activity. CRM-owned fields and the push flag are never written here.
func (t *Tx) SaveActivitySync(a *Activity) error {
	a.UpdatedAt = nowUTC()
	query := t.tx.Rebind(`UPDATE activities SET title = ?, scheduled_at = ?, all_day = ?,
		start_date = ?, end_date = ?, duration_minutes = ?, location = ?,
		remote_event_id = ?, remote_calendar_id = ?, updated_at = ? WHERE id = ?`)
	result, err := t.tx.Exec(query, a.Title, utcPtr(a.ScheduledAt), a.AllDay, a.StartDate, a.EndDate,
		a.DurationMinutes, a.Location, a.RemoteEventID, a.RemoteCalendarID, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to save activity sync fields: %w", err)
	}
	return requireAffected(result)
}

// UnlinkActivity detaches an activity from its remote event. The activity
// itself is kept.
func (t *Tx) UnlinkActivity(id string) error {
	query := t.tx.Rebind(`UPDATE activities SET remote_event_id = '', remote_calendar_id = '',
		needs_push = ?, updated_at = ? WHERE id = ?`)
	if _, err := t.tx.Exec(query, false, nowUTC(), id); err != nil {
		return fmt.Errorf("failed to unlink activity: %w", err)
	}
	return nil
}

// MarkPushed links an activity to the event written for it. The push flag
// is cleared only if the activity was not edited since a was read, so an
// edit made while the push was in flight is pushed on the next run.
func (t *Tx) MarkPushed(a *Activity, calendarID, remoteEventID string) error {
	query := t.tx.Rebind(`UPDATE activities SET remote_event_id = ?, remote_calendar_id = ?,
		needs_push = CASE WHEN updated_at = ? THEN ? ELSE needs_push END WHERE id = ?`)
	result, err := t.tx.Exec(query, remoteEventID, calendarID, a.UpdatedAt, false, a.ID)
	if err != nil {
		return fmt.Errorf("failed to mark activity pushed: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	a.RemoteEventID = remoteEventID
	a.RemoteCalendarID = calendarID
	return nil
}

// CommitCursor stores the calendar's new cursor. It must be the last write
// of the transaction that applied the batch the cursor covers. An empty
// cursor keeps the stored one.
func (t *Tx) CommitCursor(calendarID, cursor string, at time.Time) error {
	var c *string
	if cursor != "" {
		c = &cursor
	}
	query := t.tx.Rebind(`UPDATE calendars SET sync_cursor = COALESCE(?, sync_cursor), cursor_committed_at = ?,
		last_sync_at = ?, updated_at = ? WHERE id = ?`)
	result, err := t.tx.Exec(query, c, at.UTC(), at.UTC(), nowUTC(), calendarID)
	if err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return requireAffected(result)
}

// ReplaceCalendars makes the stored calendar list of an account match
// remote. Existing rows keep their ID, visibility and cursor; rows missing
// from remote are deleted with their cached events.
func (t *Tx) ReplaceCalendars(accountID string, remote []*Calendar) (added, removed int, err error) {
	var existing []*Calendar
	query := t.tx.Rebind(`SELECT ` + calendarColumns + ` FROM calendars WHERE account_id = ?`)
	if err := t.tx.Select(&existing, query, accountID); err != nil {
		return 0, 0, fmt.Errorf("failed to list calendars: %w", err)
	}
	byExternal := make(map[string]*Calendar, len(existing))
	for _, c := range existing {
		byExternal[c.ExternalID] = c
	}

	now := nowUTC()
	seen := make(map[string]bool, len(remote))
	for _, c := range remote {
		seen[c.ExternalID] = true
		c.AccountID = accountID
		if old, ok := byExternal[c.ExternalID]; ok {
			c.ID = old.ID
			c.IsVisible = old.IsVisible
			c.SyncCursor = old.SyncCursor
			upd := t.tx.Rebind(`UPDATE calendars SET name = ?, color = ?, is_primary = ?,
				is_writable = ?, updated_at = ? WHERE id = ?`)
			if _, err := t.tx.Exec(upd, c.Name, c.Color, c.IsPrimary, c.IsWritable, now, c.ID); err != nil {
				return added, removed, fmt.Errorf("failed to update calendar: %w", err)
			}
			continue
		}

		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.IsVisible = true
		c.CreatedAt = now
		c.UpdatedAt = now
		ins := t.tx.Rebind(`INSERT INTO calendars (id, account_id, external_id, name, color,
			is_visible, is_primary, is_writable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := t.tx.Exec(ins, c.ID, accountID, c.ExternalID, c.Name, c.Color, c.IsVisible,
			c.IsPrimary, c.IsWritable, c.CreatedAt, c.UpdatedAt); err != nil {
			return added, removed, fmt.Errorf("failed to insert calendar: %w", err)
		}
		added++
	}

	for _, c := range existing {
		if seen[c.ExternalID] {
			continue
		}
		if err := t.deleteCalendar(c.ID); err != nil {
			return added, removed, err
		}
		removed++
	}

	return added, removed, nil
}

// deleteCalendar removes a calendar and releases activities bound to it so
// they can be pushed again elsewhere.
func (t *Tx) deleteCalendar(id string) error {
	unlink := t.tx.Rebind(`UPDATE activities SET remote_event_id = '', remote_calendar_id = '',
		needs_push = sync_to_calendar, updated_at = ? WHERE remote_calendar_id = ?`)
	if _, err := t.tx.Exec(unlink, nowUTC(), id); err != nil {
		return fmt.Errorf("failed to unlink calendar activities: %w", err)
	}
	del := t.tx.Rebind(`DELETE FROM calendars WHERE id = ?`)
	if _, err := t.tx.Exec(del, id); err != nil {
		return fmt.Errorf("failed to delete calendar: %w", err)
	}
	return nil
}
