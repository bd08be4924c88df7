// Package activity tracks running and recently finished account syncs in
// memory for the status endpoints.
package activity

import (
	"sync"
	"time"
)

// SyncActivity is the live view of one account sync.
type SyncActivity struct {
	AccountID       string     `json:"account_id"`
	AccountEmail    string     `json:"account_email"`
	Provider        string     `json:"provider"`
	Status          string     `json:"status"` // "running", "completed", "partial", "error"
	CurrentCalendar string     `json:"current_calendar,omitempty"`
	TotalCalendars  int        `json:"total_calendars"`
	CalendarsSynced int        `json:"calendars_synced"`
	EventsUpserted  int        `json:"events_upserted"`
	EventsDeleted   int        `json:"events_deleted"`
	EventsPushed    int        `json:"events_pushed"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Message         string     `json:"message,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// Tracker tracks sync activity across all accounts.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*SyncActivity // accountID -> activity
	recent    []*SyncActivity
	maxRecent int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*SyncActivity),
		recent:    make([]*SyncActivity, 0),
		maxRecent: 20,
	}
}

// StartSync begins tracking a sync.
func (t *Tracker) StartSync(accountID, email, provider string, totalCalendars int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[accountID] = &SyncActivity{
		AccountID:      accountID,
		AccountEmail:   email,
		Provider:       provider,
		Status:         "running",
		TotalCalendars: totalCalendars,
		StartedAt:      time.Now(),
	}
}

// UpdateCalendar records the calendar currently being synced.
func (t *Tracker) UpdateCalendar(accountID, calendarName string, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[accountID]; ok {
		a.CurrentCalendar = calendarName
		a.CalendarsSynced = index
	}
}

// IncrementProgress adds to the progress counters.
func (t *Tracker) IncrementProgress(accountID string, upserted, deleted, pushed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.active[accountID]; ok {
		a.EventsUpserted += upserted
		a.EventsDeleted += deleted
		a.EventsPushed += pushed
	}
}

// FinishSync moves a sync to the recent list. A successful sync with
// errors is reported as partial.
func (t *Tracker) FinishSync(accountID string, success bool, message string, errs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.active[accountID]
	if !ok {
		return
	}

	now := time.Now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Message = message
	a.Errors = errs
	a.CurrentCalendar = ""

	switch {
	case !success:
		a.Status = "error"
	case len(errs) > 0:
		a.Status = "partial"
	default:
		a.Status = "completed"
	}

	t.recent = append([]*SyncActivity{a}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}
	delete(t.active, accountID)
}

// GetActive returns copies of all running syncs.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, a := range t.active {
		c := *a
		c.Duration = time.Since(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	return result
}

// GetRecent returns copies of recently finished syncs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, a := range t.recent {
		c := *a
		result[i] = &c
	}
	return result
}

// GetAll returns both active and recent syncs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsSyncing reports whether the account has a running sync.
func (t *Tracker) IsSyncing(accountID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.active[accountID]
	return ok
}
