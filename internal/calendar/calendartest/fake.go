// Package calendartest provides an in-memory calendar.Client for tests.
package calendartest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
)

type entry struct {
	event   calendar.RemoteEvent
	version int
	deleted bool
}

type remoteCalendar struct {
	info        calendar.RemoteCalendar
	events      map[string]*entry
	version     int
	staleBefore int
}

// Fake is a calendar.Client backed by memory. Cursors are "v<N>" versions;
// a listing since a cursor returns every change with a newer version.
type Fake struct {
	mu        sync.Mutex
	calendars map[string]*remoteCalendar
	order     []string
	nextID    int
	calls     map[string]int
	failures  map[string][]error

	// Hook runs before every operation. A non-nil error is returned as the
	// operation's result.
	Hook func(op, calendarID string) error

	// RefreshFunc serves RefreshCredential. The default issues a new access
	// token valid for an hour.
	RefreshFunc func(refreshToken string) (*calendar.Token, error)
	RevokeErr   error
	Revoked     []string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		calendars: make(map[string]*remoteCalendar),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
	}
}

// AddCalendar registers a remote calendar.
func (f *Fake) AddCalendar(c calendar.RemoteCalendar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calendars[c.ID]; !ok {
		f.order = append(f.order, c.ID)
	}
	f.calendars[c.ID] = &remoteCalendar{info: c, events: make(map[string]*entry)}
}

// RemoveCalendar drops a remote calendar.
func (f *Fake) RemoveCalendar(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.calendars, id)
	for i, cid := range f.order {
		if cid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// PutEvent creates or replaces an event as if edited on the remote side.
func (f *Fake) PutEvent(calendarID string, ev calendar.RemoteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.mustCalendar(calendarID)
	c.version++
	ev.ETag = strconv.Itoa(c.version)
	c.events[ev.ID] = &entry{event: cloneEvent(ev), version: c.version}
}

// RemoveEvent deletes an event on the remote side, leaving a tombstone.
func (f *Fake) RemoveEvent(calendarID, eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.mustCalendar(calendarID)
	if e, ok := c.events[eventID]; ok {
		c.version++
		e.deleted = true
		e.version = c.version
	}
}

// ExpireCursors invalidates every cursor issued so far for a calendar.
func (f *Fake) ExpireCursors(calendarID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.mustCalendar(calendarID)
	c.version++
	c.staleBefore = c.version
}

// Event returns the live remote event, if any.
func (f *Fake) Event(calendarID, eventID string) (calendar.RemoteEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calendars[calendarID]
	if !ok {
		return calendar.RemoteEvent{}, false
	}
	e, ok := c.events[eventID]
	if !ok || e.deleted {
		return calendar.RemoteEvent{}, false
	}
	return cloneEvent(e.event), true
}

// Events returns the live remote events of a calendar ordered by ID.
func (f *Fake) Events(calendarID string) []calendar.RemoteEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calendars[calendarID]
	if !ok {
		return nil
	}
	var out []calendar.RemoteEvent
	for _, e := range c.events {
		if !e.deleted {
			out = append(out, cloneEvent(e.event))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(op, calendarID string) error {
	f.mu.Lock()
	f.calls[op]++
	var err error
	if q := f.failures[op]; len(q) > 0 {
		err = q[0]
		f.failures[op] = q[1:]
	}
	hook := f.Hook
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		return hook(op, calendarID)
	}
	return nil
}

func (f *Fake) mustCalendar(id string) *remoteCalendar {
	c, ok := f.calendars[id]
	if !ok {
		panic(fmt.Sprintf("calendartest: unknown calendar %q", id))
	}
	return c
}

func (f *Fake) ListCalendars(ctx context.Context, accessToken string) ([]calendar.RemoteCalendar, error) {
	if err := f.enter("ListCalendars", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]calendar.RemoteCalendar, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.calendars[id].info)
	}
	return out, nil
}

func (f *Fake) ListEvents(ctx context.Context, accessToken, calendarID, cursor string) (*calendar.ListResult, error) {
	if err := f.enter("ListEvents", calendarID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.calendars[calendarID]
	if !ok {
		return nil, calendar.ErrNotFound
	}

	since := 0
	full := cursor == ""
	if !full {
		v, err := strconv.Atoi(strings.TrimPrefix(cursor, "v"))
		if err != nil || !strings.HasPrefix(cursor, "v") || v < c.staleBefore || v > c.version {
			return nil, calendar.ErrStaleCursor
		}
		since = v
	}

	res := &calendar.ListResult{NextCursor: "v" + strconv.Itoa(c.version), Full: full}
	ids := make([]string, 0, len(c.events))
	for id := range c.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := c.events[id]
		if full {
			if !e.deleted {
				res.Events = append(res.Events, cloneEvent(e.event))
			}
			continue
		}
		if e.version <= since {
			continue
		}
		if e.deleted {
			res.Tombstones = append(res.Tombstones, id)
		} else {
			res.Events = append(res.Events, cloneEvent(e.event))
		}
	}
	return res, nil
}

func (f *Fake) CreateEvent(ctx context.Context, accessToken, calendarID string, ev *calendar.EventPayload) (string, error) {
	if err := f.enter("CreateEvent", calendarID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.calendars[calendarID]
	if !ok {
		return "", calendar.ErrNotFound
	}
	f.nextID++
	id := fmt.Sprintf("evt-%d", f.nextID)
	c.version++
	c.events[id] = &entry{event: fromPayload(id, ev, c.version), version: c.version}
	return id, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev *calendar.EventPayload) error {
	if err := f.enter("UpdateEvent", calendarID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.calendars[calendarID]
	if !ok {
		return calendar.ErrNotFound
	}
	e, ok := c.events[eventID]
	if !ok || e.deleted {
		return calendar.ErrNotFound
	}
	c.version++
	e.event = fromPayload(eventID, ev, c.version)
	e.version = c.version
	return nil
}

func (f *Fake) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	if err := f.enter("DeleteEvent", calendarID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.calendars[calendarID]
	if !ok {
		return nil
	}
	if e, ok := c.events[eventID]; ok && !e.deleted {
		c.version++
		e.deleted = true
		e.version = c.version
	}
	return nil
}

func (f *Fake) RefreshCredential(ctx context.Context, refreshToken string) (*calendar.Token, error) {
	if err := f.enter("RefreshCredential", ""); err != nil {
		return nil, err
	}
	if f.RefreshFunc != nil {
		return f.RefreshFunc(refreshToken)
	}
	f.mu.Lock()
	n := f.calls["RefreshCredential"]
	f.mu.Unlock()
	return &calendar.Token{
		AccessToken: fmt.Sprintf("access-%d", n),
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func (f *Fake) RevokeToken(ctx context.Context, token string) error {
	if err := f.enter("RevokeToken", ""); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RevokeErr != nil {
		return f.RevokeErr
	}
	f.Revoked = append(f.Revoked, token)
	return nil
}

func fromPayload(id string, p *calendar.EventPayload, version int) calendar.RemoteEvent {
	now := time.Now().UTC()
	return cloneEvent(calendar.RemoteEvent{
		ID:          id,
		Title:       p.Title,
		Description: p.Description,
		Location:    p.Location,
		Start:       p.Start,
		End:         p.End,
		Status:      "confirmed",
		ETag:        strconv.Itoa(version),
		Updated:     &now,
		Properties:  p.Properties,
	})
}

func cloneEvent(ev calendar.RemoteEvent) calendar.RemoteEvent {
	if ev.Properties != nil {
		props := make(map[string]string, len(ev.Properties))
		for k, v := range ev.Properties {
			props[k] = v
		}
		ev.Properties = props
	}
	if ev.Attendees != nil {
		ev.Attendees = append([]string(nil), ev.Attendees...)
	}
	return ev
}

var _ calendar.Client = (*Fake)(nil)
