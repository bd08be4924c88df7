package db

import (
	"time"
)

// SyncStatus is the persisted state of an account's sync state machine.
// Success is not stored: a successful run returns the account to idle and
// stamps last_sync_at.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// Provider identifies which calendar client serves an account.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderCalDAV Provider = "caldav"
)

// ValidProviders contains all valid provider values.
var ValidProviders = map[Provider]bool{
	ProviderGoogle: true,
	ProviderCalDAV: true,
}

// IsValid returns true if the provider is a known valid value.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// EventSource records which side created a cached event.
type EventSource string

const (
	EventSourceRemote EventSource = "remote"
	EventSourceCRM    EventSource = "crm"
)

// Account is a user's connection to an external calendar provider.
// Tokens are stored encrypted.
type Account struct {
	ID             string     `db:"id"`
	UserID         string     `db:"user_id"`
	Provider       Provider   `db:"provider"`
	ExternalEmail  string     `db:"external_email"`
	AccessToken    string     `db:"access_token"`
	RefreshToken   string     `db:"refresh_token"`
	TokenExpiresAt *time.Time `db:"token_expires_at"`
	Scopes         string     `db:"scopes"`
	SyncStatus     SyncStatus `db:"sync_status"`
	LastError      string     `db:"last_error"`
	LastSyncAt     *time.Time `db:"last_sync_at"`
	SyncStartedAt  *time.Time `db:"sync_started_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Calendar is one remote calendar belonging to an account.
// A nil SyncCursor means the next pull must be a full listing.
type Calendar struct {
	ID                string     `db:"id"`
	AccountID         string     `db:"account_id"`
	ExternalID        string     `db:"external_id"`
	Name              string     `db:"name"`
	Color             string     `db:"color"`
	IsVisible         bool       `db:"is_visible"`
	IsPrimary         bool       `db:"is_primary"`
	IsWritable        bool       `db:"is_writable"`
	SyncCursor        *string    `db:"sync_cursor"`
	CursorCommittedAt *time.Time `db:"cursor_committed_at"`
	PullStartedAt     *time.Time `db:"pull_started_at"`
	LastSyncAt        *time.Time `db:"last_sync_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// CalendarEvent is the local read cache of a remote event.
// All-day events carry StartDate/EndDate (YYYY-MM-DD, end exclusive) and
// leave StartAt/EndAt nil.
type CalendarEvent struct {
	ID              string      `db:"id"`
	CalendarID      string      `db:"calendar_id"`
	ExternalID      string      `db:"external_id"`
	Title           string      `db:"title"`
	Description     string      `db:"description"`
	Location        string      `db:"location"`
	StartAt         *time.Time  `db:"start_at"`
	EndAt           *time.Time  `db:"end_at"`
	StartDate       string      `db:"start_date"`
	EndDate         string      `db:"end_date"`
	AllDay          bool        `db:"all_day"`
	Status          string      `db:"status"`
	Attendees       string      `db:"attendees"`
	ActivityID      string      `db:"activity_id"`
	ETag            string      `db:"etag"`
	RemoteUpdatedAt *time.Time  `db:"remote_updated_at"`
	Source          EventSource `db:"source"`
	LastSyncedAt    time.Time   `db:"last_synced_at"`
}

// SameContent reports whether two cache rows hold the same event data.
// Bookkeeping columns (id, last_synced_at) and the remote version stamps
// (etag, remote_updated_at) are ignored; see SameVersion.
func (e *CalendarEvent) SameContent(o *CalendarEvent) bool {
	return e.Title == o.Title &&
		e.Description == o.Description &&
		e.Location == o.Location &&
		timeEqual(e.StartAt, o.StartAt) &&
		timeEqual(e.EndAt, o.EndAt) &&
		e.StartDate == o.StartDate &&
		e.EndDate == o.EndDate &&
		e.AllDay == o.AllDay &&
		e.Status == o.Status &&
		e.Attendees == o.Attendees &&
		e.ActivityID == o.ActivityID
}

// SameVersion reports whether two cache rows carry the same remote version.
func (e *CalendarEvent) SameVersion(o *CalendarEvent) bool {
	return e.ETag == o.ETag && timeEqual(e.RemoteUpdatedAt, o.RemoteUpdatedAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Activity is a CRM activity. Calendar-shaped fields (schedule, title,
// location) are owned by the remote calendar once linked; business fields
// (type, status, notes, outcome, objective, assignee) are owned by the CRM.
type Activity struct {
	ID               string     `db:"id"`
	UserID           string     `db:"user_id"`
	Title            string     `db:"title"`
	Type             string     `db:"type"`
	Status           string     `db:"status"`
	Notes            string     `db:"notes"`
	Outcome          string     `db:"outcome"`
	Objective        string     `db:"objective"`
	AssignedTo       string     `db:"assigned_to"`
	ScheduledAt      *time.Time `db:"scheduled_at"`
	AllDay           bool       `db:"all_day"`
	StartDate        string     `db:"start_date"`
	EndDate          string     `db:"end_date"`
	DurationMinutes  int        `db:"duration_minutes"`
	Location         string     `db:"location"`
	SyncToCalendar   bool       `db:"sync_to_calendar"`
	NeedsPush        bool       `db:"needs_push"`
	RemoteEventID    string     `db:"remote_event_id"`
	RemoteCalendarID string     `db:"remote_calendar_id"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// SyncLog records the outcome of one account sync run.
type SyncLog struct {
	ID              string        `db:"id"`
	AccountID       string        `db:"account_id"`
	Status          string        `db:"status"`
	Message         string        `db:"message"`
	CalendarsSynced int           `db:"calendars_synced"`
	EventsUpserted  int           `db:"events_upserted"`
	EventsDeleted   int           `db:"events_deleted"`
	EventsPushed    int           `db:"events_pushed"`
	FullResyncs     int           `db:"full_resyncs"`
	DurationMs      int64         `db:"duration_ms"`
	Duration        time.Duration `db:"-"`
	CreatedAt       time.Time     `db:"created_at"`
}
