package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
)

const sampleEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//EN
BEGIN:VEVENT
UID:uid-1@test.com
DTSTAMP:20250801T080000Z
LAST-MODIFIED:20250801T080000Z
DTSTART;TZID=Europe/Rome:20250901T100000
DTEND;TZID=Europe/Rome:20250901T113000
SUMMARY:Visit ACME
LOCATION:Milan
ATTENDEE;CN=Alice:mailto:alice@example.com
X-CRM-ACTIVITY-ID:act-1
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT15M
END:VALARM
END:VEVENT
END:VCALENDAR
`

const allDayEvent = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Test//EN
BEGIN:VEVENT
UID:uid-2@test.com
DTSTAMP:20250801T080000Z
DTSTART;VALUE=DATE:20251006
DURATION:P2D
SUMMARY:Trade fair
END:VEVENT
END:VCALENDAR
`

func mustParse(t *testing.T, data string) *ical.Calendar {
	t.Helper()
	cal, err := parseICalendar(data)
	if err != nil {
		t.Fatalf("parseICalendar failed: %v", err)
	}
	return cal
}

func TestCredential(t *testing.T) {
	tests := []struct{ user, pass string }{
		{"alice", "secret"},
		{"bob@example.com", "p@ss:w/rd%"},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			u, p, err := ParseCredential(Credential(tt.user, tt.pass))
			if err != nil {
				t.Fatalf("ParseCredential failed: %v", err)
			}
			if u != tt.user || p != tt.pass {
				t.Errorf("got %q/%q", u, p)
			}
		})
	}

	if _, _, err := ParseCredential("no-password"); !errors.Is(err, ErrBadCredential) {
		t.Errorf("expected ErrBadCredential, got %v", err)
	}
}

func TestToRemote(t *testing.T) {
	t.Run("timed with TZID", func(t *testing.T) {
		ev, err := toRemote("/cal/uid-1.ics", `"etag-1"`, mustParse(t, sampleEvent))
		if err != nil {
			t.Fatalf("toRemote failed: %v", err)
		}
		rome, _ := time.LoadLocation("Europe/Rome")
		want := time.Date(2025, 9, 1, 10, 0, 0, 0, rome)
		if ev.ID != "/cal/uid-1.ics" || ev.ETag != "etag-1" {
			t.Errorf("unexpected identity %q %q", ev.ID, ev.ETag)
		}
		if ev.Start.DateTime == nil || !ev.Start.DateTime.Equal(want) || ev.Start.TimeZone != "Europe/Rome" {
			t.Errorf("unexpected start %+v", ev.Start)
		}
		if got := ev.End.DateTime.Sub(*ev.Start.DateTime); got != 90*time.Minute {
			t.Errorf("expected 90m, got %v", got)
		}
		if ev.Title != "Visit ACME" || ev.Location != "Milan" {
			t.Errorf("unexpected text fields %+v", ev)
		}
		if len(ev.Attendees) != 1 || ev.Attendees[0] != "alice@example.com" {
			t.Errorf("unexpected attendees %v", ev.Attendees)
		}
		if ev.Properties[calendar.PropActivityID] != "act-1" {
			t.Errorf("back-reference not read: %v", ev.Properties)
		}
		if ev.Updated == nil {
			t.Error("expected LAST-MODIFIED")
		}
	})

	t.Run("all-day with duration", func(t *testing.T) {
		ev, err := toRemote("/cal/uid-2.ics", "", mustParse(t, allDayEvent))
		if err != nil {
			t.Fatalf("toRemote failed: %v", err)
		}
		if !ev.AllDay() || ev.Start.Date != "2025-10-06" || ev.End.Date != "2025-10-08" {
			t.Errorf("unexpected all-day range %+v %+v", ev.Start, ev.End)
		}
	})

	t.Run("no event", func(t *testing.T) {
		cal := ical.NewCalendar()
		if _, err := toRemote("/x.ics", "", cal); !errors.Is(err, ErrMalformedContent) {
			t.Errorf("expected ErrMalformedContent, got %v", err)
		}
	})
}

func TestNewCalendarRoundTrip(t *testing.T) {
	start := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	payload := &calendar.EventPayload{
		Title:       "Call",
		Description: "Notes: bring contract",
		Start:       calendar.EventTime{DateTime: &start, TimeZone: "UTC"},
		End:         calendar.EventTime{DateTime: &end, TimeZone: "UTC"},
		Properties: map[string]string{
			calendar.PropActivityID:   "act-7",
			calendar.PropActivityType: "call",
		},
	}

	cal := newCalendar("uid-7", payload, time.Now())
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ev, err := toRemote("/cal/uid-7.ics", "", mustParse(t, buf.String()))
	if err != nil {
		t.Fatalf("toRemote failed: %v", err)
	}
	if !ev.Start.DateTime.Equal(start) || !ev.End.DateTime.Equal(end) {
		t.Errorf("times changed: %v %v", ev.Start.DateTime, ev.End.DateTime)
	}
	if ev.Description != payload.Description || ev.Properties[calendar.PropActivityType] != "call" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestApplyPayloadKeepsUserProperties(t *testing.T) {
	cal := mustParse(t, sampleEvent)
	err := applyPayload(cal, &calendar.EventPayload{
		Title:      "Visit ACME (CRM)",
		Start:      calendar.EventTime{Date: "2025-09-02"},
		End:        calendar.EventTime{Date: "2025-09-03"},
		Properties: map[string]string{calendar.PropActivityStatus: "done"},
	}, time.Now())
	if err != nil {
		t.Fatalf("applyPayload failed: %v", err)
	}

	ev, err := toRemote("/cal/uid-1.ics", "", cal)
	if err != nil {
		t.Fatalf("toRemote failed: %v", err)
	}
	if ev.Title != "Visit ACME (CRM)" || ev.Location != "" {
		t.Errorf("CRM fields not applied: %+v", ev)
	}
	if !ev.AllDay() || ev.Start.Date != "2025-09-02" {
		t.Errorf("expected switch to all-day, got %+v", ev.Start)
	}
	if len(ev.Attendees) != 1 {
		t.Error("attendees should be kept")
	}
	if _, ok := ev.Properties[calendar.PropActivityID]; ok {
		t.Error("stale CRM properties should be replaced")
	}
	if ev.Properties[calendar.PropActivityStatus] != "done" {
		t.Errorf("new property missing: %v", ev.Properties)
	}

	vevent := masterEvent(cal)
	if len(vevent.Children) != 1 {
		t.Error("alarm should be kept")
	}
	if seq, _ := vevent.Props.Text(ical.PropSequence); seq != "1" {
		t.Errorf("expected SEQUENCE 1, got %q", seq)
	}
}

func TestParseGMTOffset(t *testing.T) {
	tests := []struct {
		tzid    string
		offset  int
		wantNil bool
	}{
		{"GMT-0400", -4 * 3600, false},
		{"GMT+0530", 5*3600 + 30*60, false},
		{"UTC+05:30", 5*3600 + 30*60, false},
		{"GMT", 0, false},
		{"GMT+123456", 0, true},
		{"Mars/Olympus", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.tzid, func(t *testing.T) {
			loc := parseGMTOffset(tt.tzid)
			if tt.wantNil {
				if loc != nil {
					t.Errorf("expected nil, got %v", loc)
				}
				return
			}
			if loc == nil {
				t.Fatal("expected a location")
			}
			_, offset := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone()
			if offset != tt.offset {
				t.Errorf("expected offset %d, got %d", tt.offset, offset)
			}
		})
	}
}

func TestParseDateTimeUnknownTZID(t *testing.T) {
	prop := ical.NewProp(ical.PropDateTimeStart)
	prop.Value = "20250901T100000"
	prop.Params.Set(ical.ParamTimezoneID, "GMT+0200")

	got, err := parseDateTime(prop)
	if err != nil {
		t.Fatalf("parseDateTime failed: %v", err)
	}
	if want := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestBuildSyncCollectionRequest(t *testing.T) {
	if body := buildSyncCollectionRequest(""); !strings.Contains(body, "<D:sync-token/>") {
		t.Errorf("initial request should carry an empty token: %s", body)
	}
	body := buildSyncCollectionRequest("http://example.com/sync?a=1&b=2")
	if !strings.Contains(body, "<D:sync-token>http://example.com/sync?a=1&amp;b=2</D:sync-token>") {
		t.Errorf("token not escaped: %s", body)
	}
}

func TestParseSyncResponse(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="utf-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/</d:href>
    <d:propstat><d:prop><d:getetag>"c1"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/a%20b.ics</d:href>
    <d:propstat><d:prop><d:getetag>"e1"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
  </d:response>
  <d:response>
    <d:href>https://dav.example.com/cal/gone.ics</d:href>
    <d:status>HTTP/1.1 404 Not Found</d:status>
  </d:response>
  <d:sync-token>tok-2</d:sync-token>
</d:multistatus>`)

	res, err := parseSyncResponse(body)
	if err != nil {
		t.Fatalf("parseSyncResponse failed: %v", err)
	}
	if res.SyncToken != "tok-2" {
		t.Errorf("unexpected token %q", res.SyncToken)
	}
	if len(res.Changed) != 1 || res.Changed[0].Path != "/cal/a b.ics" || res.Changed[0].ETag != `"e1"` {
		t.Errorf("unexpected changes %+v", res.Changed)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != "/cal/gone.ics" {
		t.Errorf("unexpected deletions %v", res.Deleted)
	}

	if _, err := parseSyncResponse([]byte("not xml")); !errors.Is(err, ErrMalformedContent) {
		t.Errorf("expected ErrMalformedContent, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("404 Not Found"), calendar.ErrNotFound},
		{errors.New("webdav: 401 Unauthorized"), calendar.ErrUnauthorized},
		{errors.New("503 Service Unavailable: try later"), calendar.ErrTransient},
		{errors.New("429 Too Many Requests"), calendar.ErrRateLimited},
	}
	for _, tt := range tests {
		if got := classify(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if classify(nil) != nil {
		t.Error("nil should stay nil")
	}
}

// davServer is a minimal CalDAV collection at /cal/.
type davServer struct {
	mu      sync.Mutex
	objects map[string]string
	deleted []string
	version int
}

func newDAVServer() *davServer {
	return &davServer{objects: map[string]string{"/cal/uid-1.ics": sampleEvent}, version: 1}
}

func (d *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body, _ := io.ReadAll(r.Body)

	switch r.Method {
	case "PROPFIND":
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<d:multistatus xmlns:d="DAV:"><d:response><d:href>/cal/</d:href>
<d:propstat><d:prop><d:sync-token>tok-%d</d:sync-token></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
</d:response></d:multistatus>`, d.version)

	case "REPORT":
		switch {
		case bytes.Contains(body, []byte("<D:sync-token>stale</D:sync-token>")):
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`)
		case bytes.Contains(body, []byte("sync-collection")):
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
			for _, p := range d.paths() {
				fmt.Fprintf(w, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>"1"</d:getetag>
<c:calendar-data>%s</c:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
					p, xmlEscape(d.objects[p]))
			}
			for _, p := range d.deleted {
				fmt.Fprintf(w, `<d:response><d:href>%s</d:href><d:status>HTTP/1.1 404 Not Found</d:status></d:response>`, p)
			}
			fmt.Fprintf(w, `<d:sync-token>tok-%d</d:sync-token></d:multistatus>`, d.version+1)
		default:
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">`)
			for _, p := range d.paths() {
				fmt.Fprintf(w, `<d:response><d:href>%s</d:href><d:propstat><d:prop><d:getetag>"1"</d:getetag>
<c:calendar-data>%s</c:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`,
					p, xmlEscape(d.objects[p]))
			}
			io.WriteString(w, `</d:multistatus>`)
		}

	case http.MethodGet:
		data, ok := d.objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("ETag", `"1"`)
		io.WriteString(w, data)

	case http.MethodPut:
		d.objects[r.URL.Path] = string(body)
		d.version++
		w.Header().Set("ETag", fmt.Sprintf(`"%d"`, d.version))
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		if _, ok := d.objects[r.URL.Path]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(d.objects, r.URL.Path)
		d.deleted = append(d.deleted, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (d *davServer) paths() []string {
	out := make([]string, 0, len(d.objects))
	for p := range d.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func newTestClient(t *testing.T) (*Client, *davServer, string) {
	t.Helper()
	dav := newDAVServer()
	srv := httptest.NewServer(dav)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/", WithHTTPClient(srv.Client()),
		WithBackoff(calendar.Backoff{Attempts: 2, Initial: time.Millisecond}))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, dav, Credential("alice", "secret")
}

func TestClientWithTestServer(t *testing.T) {
	ctx := context.Background()

	t.Run("full listing reads the baseline token", func(t *testing.T) {
		c, _, cred := newTestClient(t)
		res, err := c.ListEvents(ctx, cred, "/cal/", "")
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if !res.Full || res.NextCursor != "tok-1" || len(res.Events) != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		if res.Events[0].Properties[calendar.PropActivityID] != "act-1" {
			t.Errorf("unexpected event %+v", res.Events[0])
		}
	})

	t.Run("incremental listing reports deletions", func(t *testing.T) {
		c, dav, cred := newTestClient(t)
		dav.deleted = []string{"/cal/old.ics"}
		res, err := c.ListEvents(ctx, cred, "/cal/", "tok-1")
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if res.Full || res.NextCursor != "tok-2" {
			t.Errorf("unexpected cursor %+v", res)
		}
		if len(res.Events) != 1 || len(res.Tombstones) != 1 || res.Tombstones[0] != "/cal/old.ics" {
			t.Errorf("unexpected changes %+v", res)
		}
	})

	t.Run("stale token", func(t *testing.T) {
		c, _, cred := newTestClient(t)
		if _, err := c.ListEvents(ctx, cred, "/cal/", "stale"); !errors.Is(err, calendar.ErrStaleCursor) {
			t.Errorf("expected ErrStaleCursor, got %v", err)
		}
	})

	t.Run("create update delete", func(t *testing.T) {
		c, dav, cred := newTestClient(t)
		start := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
		end := start.Add(time.Hour)
		payload := &calendar.EventPayload{
			Title:      "Demo",
			Start:      calendar.EventTime{DateTime: &start},
			End:        calendar.EventTime{DateTime: &end},
			Properties: map[string]string{calendar.PropActivityID: "act-3"},
		}

		id, err := c.CreateEvent(ctx, cred, "/cal/", payload)
		if err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
		if !strings.HasPrefix(id, "/cal/") || !strings.HasSuffix(id, ".ics") {
			t.Errorf("unexpected object path %q", id)
		}
		if stored := dav.objects[id]; !strings.Contains(stored, "X-CRM-ACTIVITY-ID") || !strings.Contains(stored, "act-3") {
			t.Errorf("back-reference not stored: %s", dav.objects[id])
		}

		payload.Title = "Demo (moved)"
		if err := c.UpdateEvent(ctx, cred, "/cal/", id, payload); err != nil {
			t.Fatalf("UpdateEvent failed: %v", err)
		}
		if !strings.Contains(dav.objects[id], "SUMMARY:Demo (moved)") {
			t.Errorf("update not stored: %s", dav.objects[id])
		}

		if err := c.UpdateEvent(ctx, cred, "/cal/", "/cal/missing.ics", payload); !errors.Is(err, calendar.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		if err := c.DeleteEvent(ctx, cred, "/cal/", id); err != nil {
			t.Errorf("DeleteEvent failed: %v", err)
		}
		if err := c.DeleteEvent(ctx, cred, "/cal/", id); err != nil {
			t.Errorf("deleting twice should succeed, got %v", err)
		}
	})

	t.Run("refresh is not supported", func(t *testing.T) {
		c, _, _ := newTestClient(t)
		if _, err := c.RefreshCredential(ctx, "x"); !errors.Is(err, calendar.ErrInvalidGrant) {
			t.Errorf("expected ErrInvalidGrant, got %v", err)
		}
	})

	t.Run("bad credential", func(t *testing.T) {
		c, _, _ := newTestClient(t)
		if _, err := c.ListEvents(ctx, "garbage", "/cal/", ""); !errors.Is(err, ErrBadCredential) {
			t.Errorf("expected ErrBadCredential, got %v", err)
		}
	})
}
