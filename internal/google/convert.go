package google

import (
	"time"

	"github.com/macjediwizard/crmcalsync/internal/calendar"
	gcal "google.golang.org/api/calendar/v3"
)

func toRemote(item *gcal.Event) calendar.RemoteEvent {
	ev := calendar.RemoteEvent{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       toTime(item.Start),
		End:         toTime(item.End),
		Status:      item.Status,
		ETag:        item.Etag,
	}
	if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		ev.Updated = &t
	}
	for _, a := range item.Attendees {
		if a.Email != "" {
			ev.Attendees = append(ev.Attendees, a.Email)
		}
	}
	if item.ExtendedProperties != nil && len(item.ExtendedProperties.Private) > 0 {
		ev.Properties = make(map[string]string, len(item.ExtendedProperties.Private))
		for k, v := range item.ExtendedProperties.Private {
			ev.Properties[k] = v
		}
	}
	return ev
}

func toTime(dt *gcal.EventDateTime) calendar.EventTime {
	if dt == nil {
		return calendar.EventTime{}
	}
	if dt.Date != "" {
		return calendar.EventTime{Date: dt.Date}
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return calendar.EventTime{}
	}
	return calendar.EventTime{DateTime: &t, TimeZone: dt.TimeZone}
}

func fromPayload(p *calendar.EventPayload) *gcal.Event {
	ev := &gcal.Event{
		Summary:     p.Title,
		Description: p.Description,
		Location:    p.Location,
		Start:       fromTime(p.Start),
		End:         fromTime(p.End),
	}
	if len(p.Properties) > 0 {
		ev.ExtendedProperties = &gcal.EventExtendedProperties{Private: make(map[string]string, len(p.Properties))}
		for k, v := range p.Properties {
			ev.ExtendedProperties.Private[k] = v
		}
	}
	return ev
}

// fromTime sends the unused half of the pair as an explicit null so a
// patch can switch an event between timed and all-day.
func fromTime(t calendar.EventTime) *gcal.EventDateTime {
	if t.IsDate() {
		return &gcal.EventDateTime{Date: t.Date, NullFields: []string{"DateTime"}}
	}
	out := &gcal.EventDateTime{TimeZone: t.TimeZone, NullFields: []string{"Date"}}
	if t.DateTime != nil {
		out.DateTime = t.DateTime.Format(time.RFC3339)
	}
	return out
}
