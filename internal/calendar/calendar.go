// Package calendar defines the contract every external calendar provider
// implements, plus the shared error taxonomy and retry policy.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrStaleCursor means the provider no longer accepts the stored cursor;
	// the caller must fall back to a full listing.
	ErrStaleCursor = errors.New("sync cursor is stale")
	// ErrInvalidGrant means the refresh token was revoked or expired and the
	// user must reconnect.
	ErrInvalidGrant = errors.New("refresh token rejected")
	ErrRateLimited  = errors.New("rate limited by provider")
	ErrTransient    = errors.New("transient provider error")
	ErrNotFound     = errors.New("remote event not found")
	ErrUnauthorized = errors.New("access token rejected")
	ErrNoClient     = errors.New("no client registered for provider")
)

// Extended property keys written on events pushed from the CRM.
const (
	PropActivityID     = "crm_activity_id"
	PropActivityType   = "crm_activity_type"
	PropActivityStatus = "crm_activity_status"
)

// EventTime is either a calendar date (all-day) or an instant.
// Exactly one of Date and DateTime is set.
type EventTime struct {
	Date     string // YYYY-MM-DD
	DateTime *time.Time
	TimeZone string
}

// IsDate reports whether t is a date-only value.
func (t EventTime) IsDate() bool {
	return t.Date != ""
}

// RemoteEvent is an event as returned by a provider.
type RemoteEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Status      string
	Attendees   []string
	ETag        string
	Updated     *time.Time
	Properties  map[string]string
}

// AllDay reports whether the event spans whole days.
func (e RemoteEvent) AllDay() bool {
	return e.Start.IsDate()
}

// EventPayload is what the CRM writes to a provider.
type EventPayload struct {
	Title       string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Properties  map[string]string
}

// ListResult is one pull. Tombstones are remote IDs deleted since the
// cursor. NextCursor replaces the stored cursor once the batch is applied.
type ListResult struct {
	Events     []RemoteEvent
	Tombstones []string
	NextCursor string
	Full       bool
}

// RemoteCalendar describes one calendar visible to the account.
type RemoteCalendar struct {
	ID       string
	Name     string
	Color    string
	Primary  bool
	Writable bool
}

// Token is a credential returned by a refresh or code exchange.
// RefreshToken is empty when the provider did not rotate it.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Client is the external calendar contract. An empty cursor asks for a full
// listing of the sync window.
type Client interface {
	ListCalendars(ctx context.Context, accessToken string) ([]RemoteCalendar, error)
	ListEvents(ctx context.Context, accessToken, calendarID, cursor string) (*ListResult, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, ev *EventPayload) (string, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *EventPayload) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
	RefreshCredential(ctx context.Context, refreshToken string) (*Token, error)
	RevokeToken(ctx context.Context, token string) error
}

// Registry resolves the client for an account's provider.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for provider.
func (r *Registry) Register(provider string, c Client) {
	r.clients[provider] = c
}

// Get returns the client for provider.
func (r *Registry) Get(provider string) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, provider)
	}
	return c, nil
}

// Providers lists registered provider names in order.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRetryable reports whether err is worth retrying at the client boundary.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// Window is the range a full listing covers for providers that need one:
// three months back and six months ahead of now.
func Window(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, -3, 0), now.AddDate(0, 6, 0)
}
