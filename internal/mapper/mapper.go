// Package mapper converts between provider events and the CRM's cached
// events and activities. Everything here is pure.
//
// The mapping is lossy in fixed ways: only the activity back-reference
// survives from the extended properties bag, recurrence and reminders are
// dropped, and timed instants are normalized to UTC.
package mapper

import (
	"strings"
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"github.com/macjediwizard/crmcalsync/internal/db"
)

// DefaultDuration applies to timed activities without a duration.
const DefaultDuration = 60 * time.Minute

const dateLayout = "2006-01-02"

// ToCachedEvent projects a remote event onto its cache row.
func ToCachedEvent(calendarID string, ev calendar.RemoteEvent) *db.CalendarEvent {
	ce := &db.CalendarEvent{
		CalendarID:      calendarID,
		ExternalID:      ev.ID,
		Title:           ev.Title,
		Description:     ev.Description,
		Location:        ev.Location,
		Status:          ev.Status,
		Attendees:       strings.Join(ev.Attendees, "\n"),
		ActivityID:      LinkedActivityID(ev),
		ETag:            ev.ETag,
		RemoteUpdatedAt: utc(ev.Updated),
		Source:          db.EventSourceRemote,
	}
	if ce.Status == "" {
		ce.Status = "confirmed"
	}
	if ce.ActivityID != "" {
		ce.Source = db.EventSourceCRM
	}

	if ev.AllDay() {
		ce.AllDay = true
		ce.StartDate = ev.Start.Date
		ce.EndDate = ev.End.Date
		if ce.EndDate == "" {
			ce.EndDate = addDays(ce.StartDate, 1)
		}
		return ce
	}

	ce.StartAt = utc(ev.Start.DateTime)
	ce.EndAt = utc(ev.End.DateTime)
	return ce
}

// LinkedActivityID returns the activity back-reference carried by a remote
// event, or "" for a purely external event.
func LinkedActivityID(ev calendar.RemoteEvent) string {
	if ev.Properties == nil {
		return ""
	}
	return strings.TrimSpace(ev.Properties[calendar.PropActivityID])
}

// ApplyRemoteFields copies the calendar-owned fields of ev onto a. Fields
// owned by the CRM are left alone. It reports whether anything changed.
func ApplyRemoteFields(a *db.Activity, ev calendar.RemoteEvent) bool {
	before := *a

	a.Title = ev.Title
	a.Location = ev.Location

	if ev.AllDay() {
		a.AllDay = true
		a.StartDate = ev.Start.Date
		a.EndDate = ev.End.Date
		if a.EndDate == "" {
			a.EndDate = addDays(a.StartDate, 1)
		}
		a.ScheduledAt = nil
		a.DurationMinutes = 0
	} else if ev.Start.DateTime != nil {
		a.AllDay = false
		a.StartDate = ""
		a.EndDate = ""
		a.ScheduledAt = utc(ev.Start.DateTime)
		a.DurationMinutes = 0
		if ev.End.DateTime != nil {
			if d := ev.End.DateTime.Sub(*ev.Start.DateTime); d > 0 {
				a.DurationMinutes = int(d / time.Minute)
			}
		}
	}

	return !sameSchedule(&before, a) || before.Title != a.Title || before.Location != a.Location
}

// ActivityToPayload builds the create/update payload for an activity,
// carrying its ID so later pulls recognize the event as linked.
func ActivityToPayload(a *db.Activity) *calendar.EventPayload {
	p := &calendar.EventPayload{
		Title:       a.Title,
		Description: activityDescription(a),
		Location:    a.Location,
		Properties: map[string]string{
			calendar.PropActivityID: a.ID,
		},
	}
	if a.Type != "" {
		p.Properties[calendar.PropActivityType] = a.Type
	}
	if a.Status != "" {
		p.Properties[calendar.PropActivityStatus] = a.Status
	}

	if a.AllDay {
		end := a.EndDate
		if end == "" {
			end = addDays(a.StartDate, 1)
		}
		p.Start = calendar.EventTime{Date: a.StartDate}
		p.End = calendar.EventTime{Date: end}
		return p
	}

	var start time.Time
	if a.ScheduledAt != nil {
		start = a.ScheduledAt.UTC()
	}
	d := time.Duration(a.DurationMinutes) * time.Minute
	if d <= 0 {
		d = DefaultDuration
	}
	end := start.Add(d)
	p.Start = calendar.EventTime{DateTime: &start, TimeZone: "UTC"}
	p.End = calendar.EventTime{DateTime: &end, TimeZone: "UTC"}
	return p
}

// Schedulable reports whether a has enough of a schedule to become an event.
func Schedulable(a *db.Activity) bool {
	if a.AllDay {
		_, err := time.Parse(dateLayout, a.StartDate)
		return err == nil
	}
	return a.ScheduledAt != nil
}

// PayloadToCached is the cache row for an event the CRM just wrote.
func PayloadToCached(calendarID, remoteID string, p *calendar.EventPayload) *db.CalendarEvent {
	ev := calendar.RemoteEvent{
		ID:          remoteID,
		Title:       p.Title,
		Description: p.Description,
		Location:    p.Location,
		Start:       p.Start,
		End:         p.End,
		Status:      "confirmed",
		Properties:  p.Properties,
	}
	return ToCachedEvent(calendarID, ev)
}

func activityDescription(a *db.Activity) string {
	var lines []string
	if a.Objective != "" {
		lines = append(lines, "Objective: "+a.Objective)
	}
	if a.Notes != "" {
		lines = append(lines, "Notes: "+a.Notes)
	}
	if a.Type != "" {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "[CRM Activity - "+a.Type+"]")
	}
	return strings.Join(lines, "\n")
}

func sameSchedule(a, b *db.Activity) bool {
	if a.AllDay != b.AllDay || a.StartDate != b.StartDate || a.EndDate != b.EndDate ||
		a.DurationMinutes != b.DurationMinutes {
		return false
	}
	if a.ScheduledAt == nil || b.ScheduledAt == nil {
		return a.ScheduledAt == nil && b.ScheduledAt == nil
	}
	return a.ScheduledAt.Equal(*b.ScheduledAt)
}

func addDays(date string, n int) string {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, n).Format(dateLayout)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
