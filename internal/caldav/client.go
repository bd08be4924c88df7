// Package caldav implements calendar.Client for CalDAV servers. The
// account credential is a username and app password; it never expires and
// cannot be refreshed.
package caldav

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
)

// Provider is the name the client is registered under.
const Provider = "caldav"

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrBadCredential    = errors.New("malformed caldav credential")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Credential packs a username and password into the string stored as the
// account's access token.
func Credential(username, password string) string {
	return url.UserPassword(username, password).String()
}

// ParseCredential reverses Credential.
func ParseCredential(token string) (username, password string, err error) {
	u, err := url.Parse("//" + token + "@x")
	if err != nil || u.User == nil {
		return "", "", ErrBadCredential
	}
	password, ok := u.User.Password()
	if !ok {
		return "", "", ErrBadCredential
	}
	return u.User.Username(), password, nil
}

// Client talks to one CalDAV server on behalf of many accounts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	backoff    calendar.Backoff
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default TLS 1.2+ client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff sets the retry policy.
func WithBackoff(b calendar.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: minTLSVersion},
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		backoff: calendar.DefaultBackoff,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// session is a client bound to one account's credential.
type session struct {
	*Client
	username string
	password string
	dav      *caldav.Client
}

func (c *Client) session(accessToken string) (*session, error) {
	username, password, err := ParseCredential(accessToken)
	if err != nil {
		return nil, err
	}
	dav, err := caldav.NewClient(webdav.HTTPClientWithBasicAuth(c.httpClient, username, password), c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}
	return &session{Client: c, username: username, password: password, dav: dav}, nil
}

// TestConnection checks that the credential is accepted.
func (c *Client) TestConnection(ctx context.Context, accessToken string) error {
	s, err := c.session(accessToken)
	if err != nil {
		return err
	}
	if _, err := s.dav.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, classify(err))
	}
	return nil
}

// ListCalendars discovers the event calendars of the principal. CalDAV has
// no primary calendar; the first one found is reported as primary.
func (c *Client) ListCalendars(ctx context.Context, accessToken string) ([]calendar.RemoteCalendar, error) {
	s, err := c.session(accessToken)
	if err != nil {
		return nil, err
	}

	var out []calendar.RemoteCalendar
	err = calendar.Retry(ctx, c.backoff, func() error {
		principal, err := s.dav.FindCurrentUserPrincipal(ctx)
		if err != nil {
			return classify(err)
		}
		homeSet, err := s.dav.FindCalendarHomeSet(ctx, principal)
		if err != nil {
			return classify(err)
		}
		cals, err := s.dav.FindCalendars(ctx, homeSet)
		if err != nil {
			return classify(err)
		}

		out = out[:0]
		for _, cal := range cals {
			if !supportsEvents(cal) {
				continue
			}
			name := cal.Name
			if name == "" {
				name = path.Base(strings.TrimSuffix(cal.Path, "/"))
			}
			out = append(out, calendar.RemoteCalendar{
				ID:       cal.Path,
				Name:     name,
				Primary:  len(out) == 0,
				Writable: true,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	return out, nil
}

// ListEvents returns changes since cursor, a WebDAV sync token. An empty
// cursor queries the full window; the baseline token is read before the
// query so nothing changed in between is missed.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID, cursor string) (*calendar.ListResult, error) {
	s, err := c.session(accessToken)
	if err != nil {
		return nil, err
	}

	var res *calendar.ListResult
	err = calendar.Retry(ctx, c.backoff, func() error {
		var err error
		if cursor == "" {
			res, err = s.fullListing(ctx, calendarID)
		} else {
			res, err = s.changes(ctx, calendarID, cursor)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return res, nil
}

func (s *session) fullListing(ctx context.Context, calendarPath string) (*calendar.ListResult, error) {
	token, err := s.currentSyncToken(ctx, calendarPath)
	if err != nil {
		return nil, err
	}

	from, to := calendar.Window(s.now())
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT", Start: from, End: to}},
		},
	}
	objects, err := s.dav.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, classify(err)
	}

	res := &calendar.ListResult{NextCursor: token, Full: true}
	for _, obj := range objects {
		ev, err := toRemote(obj.Path, obj.ETag, obj.Data)
		if err != nil {
			continue
		}
		if ev.Status == "cancelled" {
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

func (s *session) changes(ctx context.Context, calendarPath, cursor string) (*calendar.ListResult, error) {
	sync, err := s.SyncCollection(ctx, calendarPath, cursor)
	if err != nil {
		return nil, err
	}

	res := &calendar.ListResult{NextCursor: sync.SyncToken}
	res.Tombstones = append(res.Tombstones, sync.Deleted...)
	for _, item := range sync.Changed {
		data, etag := item.Data, item.ETag
		if data == "" {
			obj, err := s.dav.GetCalendarObject(ctx, item.Path)
			if err != nil {
				if errors.Is(classify(err), calendar.ErrNotFound) {
					res.Tombstones = append(res.Tombstones, item.Path)
					continue
				}
				return nil, classify(err)
			}
			ev, err := toRemote(item.Path, obj.ETag, obj.Data)
			if err != nil {
				continue
			}
			res.Events = append(res.Events, ev)
			continue
		}

		cal, err := parseICalendar(data)
		if err != nil {
			continue
		}
		ev, err := toRemote(item.Path, etag, cal)
		if err != nil {
			continue
		}
		if ev.Status == "cancelled" {
			res.Tombstones = append(res.Tombstones, item.Path)
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

// CreateEvent stores a new object named after a fresh UID and returns its
// path.
func (c *Client) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.EventPayload) (string, error) {
	s, err := c.session(accessToken)
	if err != nil {
		return "", err
	}

	uid := uuid.New().String()
	objectPath := strings.TrimSuffix(calendarID, "/") + "/" + uid + ".ics"
	cal := newCalendar(uid, ev, c.now())

	err = calendar.Retry(ctx, c.backoff, func() error {
		_, err := s.dav.PutCalendarObject(ctx, objectPath, cal)
		return classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return objectPath, nil
}

// UpdateEvent rewrites the fields the CRM owns on the stored object,
// keeping attendees, alarms and anything else the user added.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.EventPayload) error {
	s, err := c.session(accessToken)
	if err != nil {
		return err
	}

	err = calendar.Retry(ctx, c.backoff, func() error {
		obj, err := s.dav.GetCalendarObject(ctx, eventID)
		if err != nil {
			return classify(err)
		}
		if err := applyPayload(obj.Data, ev, c.now()); err != nil {
			return err
		}
		_, err = s.dav.PutCalendarObject(ctx, eventID, obj.Data)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteEvent removes an object. A missing object is not an error.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	s, err := c.session(accessToken)
	if err != nil {
		return err
	}

	err = calendar.Retry(ctx, c.backoff, func() error {
		err := classify(s.dav.RemoveAll(ctx, eventID))
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

// RefreshCredential always fails: a rejected app password can only be
// replaced by the user.
func (c *Client) RefreshCredential(ctx context.Context, refreshToken string) (*calendar.Token, error) {
	return nil, fmt.Errorf("%w: caldav credentials cannot be refreshed", calendar.ErrInvalidGrant)
}

// RevokeToken is a no-op; app passwords are revoked at the server.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	return nil
}

// currentSyncToken reads DAV:sync-token from the collection. Servers
// without sync support return "", which leaves every pull a full listing.
func (s *session) currentSyncToken(ctx context.Context, calendarPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", s.buildURL(calendarPath), strings.NewReader(`<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:sync-token/>
  </D:prop>
</D:propfind>`))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", calendar.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		return "", statusError(resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %w", calendar.ErrTransient, err)
	}

	var ms struct {
		Responses []struct {
			PropStat []struct {
				Prop struct {
					SyncToken string `xml:"sync-token"`
				} `xml:"prop"`
			} `xml:"propstat"`
		} `xml:"response"`
	}
	if err := xml.Unmarshal(body, &ms); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	for _, r := range ms.Responses {
		for _, ps := range r.PropStat {
			if t := strings.TrimSpace(ps.Prop.SyncToken); t != "" {
				return t, nil
			}
		}
	}
	return "", nil
}

// buildURL joins an absolute path onto the server's scheme and host, or a
// relative one onto the base URL.
func (c *Client) buildURL(p string) string {
	if p == "" {
		return c.baseURL
	}
	if strings.HasPrefix(p, "/") {
		if u, err := url.Parse(c.baseURL); err == nil {
			return u.Scheme + "://" + u.Host + p
		}
	}
	return c.baseURL + "/" + p
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// classify maps go-webdav errors, which only carry the status in their
// message, onto the calendar error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, calendar.ErrTransient) || errors.Is(err, calendar.ErrNotFound) ||
		errors.Is(err, calendar.ErrUnauthorized) || errors.Is(err, calendar.ErrRateLimited) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", calendar.ErrTransient, err)
	}

	msg := err.Error()
	for code := 400; code < 600; code++ {
		text := http.StatusText(code)
		if text != "" && strings.Contains(msg, fmt.Sprintf("%d %s", code, text)) {
			return fmt.Errorf("%w: %w", statusError(code), err)
		}
	}
	return err
}

func statusError(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return calendar.ErrNotFound
	case code == http.StatusUnauthorized:
		return calendar.ErrUnauthorized
	case code == http.StatusTooManyRequests:
		return calendar.ErrRateLimited
	case code >= 500:
		return calendar.ErrTransient
	}
	return fmt.Errorf("unexpected status %d", code)
}

var _ calendar.Client = (*Client)(nil)
