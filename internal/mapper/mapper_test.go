package mapper

import (
	"strings"
	"testing"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/db"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestToCachedEvent(t *testing.T) {
	rome := time.FixedZone("CEST", 2*60*60)
	start := time.Date(2025, 5, 6, 10, 0, 0, 0, rome)
	end := start.Add(90 * time.Minute)

	t.Run("timed external event", func(t *testing.T) {
		ce := ToCachedEvent("cal-1", calendar.RemoteEvent{
			ID:        "ev1",
			Title:     "Dentist",
			Start:     calendar.EventTime{DateTime: &start, TimeZone: "Europe/Rome"},
			End:       calendar.EventTime{DateTime: &end},
			Attendees: []string{"a@example.com", "b@example.com"},
			ETag:      "e1",
		})
		if ce.ActivityID != "" || ce.Source != db.EventSourceRemote {
			t.Errorf("external event should be unlinked remote, got %q %q", ce.ActivityID, ce.Source)
		}
		if ce.StartAt.Location() != time.UTC || !ce.StartAt.Equal(start) {
			t.Errorf("expected UTC instant equal to start, got %v", ce.StartAt)
		}
		if ce.Attendees != "a@example.com\nb@example.com" {
			t.Errorf("unexpected attendees %q", ce.Attendees)
		}
		if ce.Status != "confirmed" {
			t.Errorf("expected default status confirmed, got %q", ce.Status)
		}
	})

	t.Run("linked event", func(t *testing.T) {
		ce := ToCachedEvent("cal-1", calendar.RemoteEvent{
			ID:         "ev2",
			Start:      calendar.EventTime{DateTime: &start},
			End:        calendar.EventTime{DateTime: &end},
			Properties: map[string]string{calendar.PropActivityID: " act-9 "},
		})
		if ce.ActivityID != "act-9" || ce.Source != db.EventSourceCRM {
			t.Errorf("expected link to act-9, got %q %q", ce.ActivityID, ce.Source)
		}
	})

	t.Run("all-day without end", func(t *testing.T) {
		ce := ToCachedEvent("cal-1", calendar.RemoteEvent{ID: "ev3", Start: calendar.EventTime{Date: "2025-12-31"}})
		if !ce.AllDay || ce.StartDate != "2025-12-31" || ce.EndDate != "2026-01-01" {
			t.Errorf("unexpected all-day projection %+v", ce)
		}
		if ce.StartAt != nil || ce.EndAt != nil {
			t.Error("all-day event must not carry instants")
		}
	})
}

func TestAllDayRoundTrip(t *testing.T) {
	remote := calendar.RemoteEvent{
		ID:    "ev1",
		Title: "Trade fair",
		Start: calendar.EventTime{Date: "2025-03-10"},
		End:   calendar.EventTime{Date: "2025-03-12"},
	}

	cached := ToCachedEvent("cal", remote)
	if cached.StartAt != nil || cached.EndAt != nil {
		t.Fatal("cache row introduced a time of day")
	}
	if cached.StartDate != "2025-03-10" || cached.EndDate != "2025-03-12" {
		t.Errorf("dates changed: %q %q", cached.StartDate, cached.EndDate)
	}

	a := &db.Activity{ID: "act-1", Title: "Trade fair"}
	ApplyRemoteFields(a, remote)
	payload := ActivityToPayload(a)
	if payload.Start.Date != "2025-03-10" || payload.End.Date != "2025-03-12" || payload.Start.DateTime != nil {
		t.Errorf("activity round trip changed all-day shape: %+v %+v", payload.Start, payload.End)
	}
	if ApplyRemoteFields(a, remote) {
		t.Error("re-applying the same event should not report a change")
	}
}

func TestApplyRemoteFieldsOwnership(t *testing.T) {
	crmStart := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	a := &db.Activity{
		ID:              "act-1",
		Title:           "Visit ACME",
		Type:            "visit",
		Status:          "completed",
		Notes:           "Signed the order",
		Outcome:         "positive",
		Objective:       "Close deal",
		AssignedTo:      "agent-7",
		ScheduledAt:     &crmStart,
		DurationMinutes: 30,
		Location:        "Milan",
	}

	remoteStart := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	remoteEnd := remoteStart.Add(45 * time.Minute)
	changed := ApplyRemoteFields(a, calendar.RemoteEvent{
		Title:       "Visit ACME (moved)",
		Description: "remote description is not CRM notes",
		Location:    "Turin",
		Start:       calendar.EventTime{DateTime: &remoteStart},
		End:         calendar.EventTime{DateTime: &remoteEnd},
	})

	if !changed {
		t.Fatal("expected a change")
	}
	if a.Title != "Visit ACME (moved)" || a.Location != "Turin" {
		t.Errorf("remote-owned text fields not applied: %q %q", a.Title, a.Location)
	}
	if !a.ScheduledAt.Equal(remoteStart) || a.DurationMinutes != 45 {
		t.Errorf("remote schedule not applied: %v %d", a.ScheduledAt, a.DurationMinutes)
	}
	if a.Status != "completed" || a.Notes != "Signed the order" || a.Outcome != "positive" ||
		a.AssignedTo != "agent-7" || a.Type != "visit" || a.Objective != "Close deal" {
		t.Errorf("CRM-owned fields were modified: %+v", a)
	}
}

func TestApplyRemoteFieldsTimedToAllDay(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	a := &db.Activity{ScheduledAt: &start, DurationMinutes: 60}

	ApplyRemoteFields(a, calendar.RemoteEvent{Start: calendar.EventTime{Date: "2025-06-01"}, End: calendar.EventTime{Date: "2025-06-02"}})
	if !a.AllDay || a.ScheduledAt != nil || a.DurationMinutes != 0 || a.StartDate != "2025-06-01" {
		t.Errorf("unexpected activity after switch to all-day: %+v", a)
	}
}

func TestActivityToPayload(t *testing.T) {
	start := time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)

	t.Run("timed with default duration", func(t *testing.T) {
		a := &db.Activity{ID: "act-1", Title: "Call", Type: "call", Status: "planned", ScheduledAt: &start,
			Objective: "Upsell", Notes: "Ask about Q3"}
		p := ActivityToPayload(a)

		if p.Properties[calendar.PropActivityID] != "act-1" {
			t.Errorf("missing back-reference: %v", p.Properties)
		}
		if p.Properties[calendar.PropActivityType] != "call" || p.Properties[calendar.PropActivityStatus] != "planned" {
			t.Errorf("missing type/status properties: %v", p.Properties)
		}
		if got := p.End.DateTime.Sub(*p.Start.DateTime); got != DefaultDuration {
			t.Errorf("expected default duration, got %v", got)
		}
		for _, want := range []string{"Objective: Upsell", "Notes: Ask about Q3", "[CRM Activity - call]"} {
			if !strings.Contains(p.Description, want) {
				t.Errorf("description %q missing %q", p.Description, want)
			}
		}
	})

	t.Run("explicit duration", func(t *testing.T) {
		p := ActivityToPayload(&db.Activity{ID: "a", ScheduledAt: &start, DurationMinutes: 15})
		if got := p.End.DateTime.Sub(*p.Start.DateTime); got != 15*time.Minute {
			t.Errorf("expected 15m, got %v", got)
		}
	})

	t.Run("all-day single day", func(t *testing.T) {
		p := ActivityToPayload(&db.Activity{ID: "a", AllDay: true, StartDate: "2025-02-28"})
		if p.Start.Date != "2025-02-28" || p.End.Date != "2025-03-01" {
			t.Errorf("unexpected dates %+v %+v", p.Start, p.End)
		}
	})
}

func TestSchedulable(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		a    db.Activity
		want bool
	}{
		{"timed", db.Activity{ScheduledAt: &now}, true},
		{"no time", db.Activity{}, false},
		{"all-day", db.Activity{AllDay: true, StartDate: "2025-01-01"}, true},
		{"all-day bad date", db.Activity{AllDay: true, StartDate: "tomorrow"}, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Schedulable(&tt.a); got != tt.want {
				t.Errorf("Schedulable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPayloadToCached(t *testing.T) {
	start := time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)
	a := &db.Activity{ID: "act-3", Title: "Demo", ScheduledAt: timePtr(start)}
	ce := PayloadToCached("cal-1", "remote-1", ActivityToPayload(a))
	if ce.ExternalID != "remote-1" || ce.ActivityID != "act-3" || ce.Source != db.EventSourceCRM {
		t.Errorf("unexpected cache row %+v", ce)
	}
	if !ce.StartAt.Equal(start) {
		t.Errorf("unexpected start %v", ce.StartAt)
	}
}
