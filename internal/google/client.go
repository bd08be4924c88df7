// Package google implements calendar.Client on the Google Calendar API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Provider is the name the client is registered under.
const Provider = "google"

const revokeURL = "https://oauth2.googleapis.com/revoke"

// Scopes requested on connect.
var Scopes = []string{"openid", "email", gcal.CalendarScope}

// Config holds the OAuth client and, for tests, endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// APIEndpoint, TokenURL and RevokeURL default to Google's.
	APIEndpoint string
	TokenURL    string
	RevokeURL   string
	HTTPClient  *http.Client
	Backoff     calendar.Backoff
}

// Client talks to the Google Calendar API with per-call access tokens.
type Client struct {
	oauth    *oauth2.Config
	endpoint string
	revoke   string
	http     *http.Client
	backoff  calendar.Backoff
	now      func() time.Time
}

// NewClient creates a Google client.
func NewClient(cfg Config) *Client {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       Scopes,
	}
	if cfg.TokenURL != "" {
		oc.Endpoint.TokenURL = cfg.TokenURL
	}

	c := &Client{
		oauth:    oc,
		endpoint: cfg.APIEndpoint,
		revoke:   cfg.RevokeURL,
		http:     cfg.HTTPClient,
		backoff:  cfg.Backoff,
		now:      time.Now,
	}
	if c.revoke == "" {
		c.revoke = revokeURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.backoff.Attempts == 0 {
		c.backoff = calendar.DefaultBackoff
	}
	return c
}

// OAuthConfig returns the OAuth client configuration used for consent.
func (c *Client) OAuthConfig() *oauth2.Config {
	return c.oauth
}

func (c *Client) service(ctx context.Context, accessToken string) (*gcal.Service, error) {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := &http.Client{
		Timeout: c.http.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars returns every calendar on the user's list.
func (c *Client) ListCalendars(ctx context.Context, accessToken string) ([]calendar.RemoteCalendar, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var out []calendar.RemoteCalendar
	err = calendar.Retry(ctx, c.backoff, func() error {
		out = out[:0]
		err := svc.CalendarList.List().Context(ctx).Pages(ctx, func(page *gcal.CalendarList) error {
			for _, item := range page.Items {
				out = append(out, calendar.RemoteCalendar{
					ID:       item.Id,
					Name:     calendarName(item),
					Color:    item.BackgroundColor,
					Primary:  item.Primary,
					Writable: item.AccessRole == "owner" || item.AccessRole == "writer",
				})
			}
			return nil
		})
		return classify(err, false)
	})
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return out, nil
}

// ListEvents lists changes since cursor, a Google sync token. An empty
// cursor lists the full window and returns the baseline token.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID, cursor string) (*calendar.ListResult, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var res *calendar.ListResult
	err = calendar.Retry(ctx, c.backoff, func() error {
		res = &calendar.ListResult{Full: cursor == ""}
		call := svc.Events.List(calendarID).Context(ctx).SingleEvents(true).ShowDeleted(true).MaxResults(250)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			from, to := calendar.Window(c.now())
			call = call.TimeMin(from.Format(time.RFC3339)).TimeMax(to.Format(time.RFC3339))
		}

		err := call.Pages(ctx, func(page *gcal.Events) error {
			for _, item := range page.Items {
				if item.Status == "cancelled" {
					if !res.Full {
						res.Tombstones = append(res.Tombstones, item.Id)
					}
					continue
				}
				res.Events = append(res.Events, toRemote(item))
			}
			if page.NextSyncToken != "" {
				res.NextCursor = page.NextSyncToken
			}
			return nil
		})
		return classify(err, cursor != "")
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return res, nil
}

// CreateEvent inserts ev and returns its ID.
func (c *Client) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.EventPayload) (string, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	var id string
	err = calendar.Retry(ctx, c.backoff, func() error {
		created, err := svc.Events.Insert(calendarID, fromPayload(ev)).Context(ctx).Do()
		if err != nil {
			return classify(err, false)
		}
		id = created.Id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return id, nil
}

// UpdateEvent patches the fields the CRM owns, leaving attendees and
// reminders as they are.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.EventPayload) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = calendar.Retry(ctx, c.backoff, func() error {
		_, err := svc.Events.Patch(calendarID, eventID, fromPayload(ev)).Context(ctx).Do()
		return classify(err, false)
	})
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event. An event that is already gone is not an
// error.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = calendar.Retry(ctx, c.backoff, func() error {
		err := classify(svc.Events.Delete(calendarID, eventID).Context(ctx).Do(), false)
		if errors.Is(err, calendar.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// RefreshCredential exchanges a refresh token for a new access token.
func (c *Client) RefreshCredential(ctx context.Context, refreshToken string) (*calendar.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	var tok *oauth2.Token
	err := calendar.Retry(ctx, c.backoff, func() error {
		var err error
		tok, err = c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		return classifyOAuth(err)
	})
	if err != nil {
		return nil, err
	}
	return ConvertToken(tok), nil
}

// RevokeToken revokes a token at Google. Revoking a refresh token also
// revokes the access tokens issued from it.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revoke, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke: %w", calendar.ErrTransient, err)
	}
	defer resp.Body.Close()

	// Google answers 400 invalid_token for tokens that are already revoked.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest {
		return nil
	}
	return fmt.Errorf("revoke: unexpected status %d", resp.StatusCode)
}

// ConvertToken maps an oauth2 token to the provider-neutral form.
func ConvertToken(tok *oauth2.Token) *calendar.Token {
	out := &calendar.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	return out
}

// classify maps an API error onto the calendar error taxonomy. 410 Gone
// means an invalid sync token on listings and a deleted event elsewhere.
func classify(err error, listing bool) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusGone && listing:
			return fmt.Errorf("%w: %w", calendar.ErrStaleCursor, err)
		case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
			return fmt.Errorf("%w: %w", calendar.ErrNotFound, err)
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", calendar.ErrUnauthorized, err)
		case apiErr.Code == http.StatusTooManyRequests || (apiErr.Code == http.StatusForbidden && rateLimited(apiErr)):
			return fmt.Errorf("%w: %w", calendar.ErrRateLimited, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %w", calendar.ErrTransient, err)
		}
		return err
	}

	if isNetwork(err) {
		return fmt.Errorf("%w: %w", calendar.ErrTransient, err)
	}
	return err
}

func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// classifyOAuth maps a token endpoint error. invalid_grant is terminal.
func classifyOAuth(err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %w", calendar.ErrInvalidGrant, err)
		}
		if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
			return fmt.Errorf("%w: %w", calendar.ErrTransient, err)
		}
		return err
	}
	if isNetwork(err) {
		return fmt.Errorf("%w: %w", calendar.ErrTransient, err)
	}
	return err
}

func isNetwork(err error) bool {
	var netErr net.Error
	var urlErr *url.Error
	return errors.As(err, &netErr) || errors.As(err, &urlErr)
}

func calendarName(item *gcal.CalendarListEntry) string {
	if item.SummaryOverride != "" {
		return item.SummaryOverride
	}
	return item.Summary
}
