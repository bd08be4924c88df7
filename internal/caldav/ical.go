package caldav

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
)

const (
	dateLayout   = "2006-01-02"
	icalDate     = "20060102"
	icalLocal    = "20060102T150405"
	productID    = "-//crmcalsync//CRM Calendar Sync//EN"
	crmXPrefix   = "X-CRM-"
	mailtoPrefix = "mailto:"
)

// toRemote converts the master VEVENT of an object. Recurrence is not
// expanded.
func toRemote(objectPath, etag string, cal *ical.Calendar) (calendar.RemoteEvent, error) {
	if cal == nil {
		return calendar.RemoteEvent{}, fmt.Errorf("%w: %s: no data", ErrMalformedContent, objectPath)
	}
	vevent := masterEvent(cal)
	if vevent == nil {
		return calendar.RemoteEvent{}, fmt.Errorf("%w: %s: no VEVENT", ErrMalformedContent, objectPath)
	}

	ev := calendar.RemoteEvent{
		ID:   objectPath,
		ETag: strings.Trim(etag, `"`),
	}
	ev.Title, _ = vevent.Props.Text(ical.PropSummary)
	ev.Description, _ = vevent.Props.Text(ical.PropDescription)
	ev.Location, _ = vevent.Props.Text(ical.PropLocation)
	if status, err := vevent.Props.Text(ical.PropStatus); err == nil && status != "" {
		ev.Status = strings.ToLower(status)
	}
	if lm := vevent.Props.Get(ical.PropLastModified); lm != nil {
		if t, err := lm.DateTime(time.UTC); err == nil {
			t = t.UTC()
			ev.Updated = &t
		}
	}

	start := vevent.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return calendar.RemoteEvent{}, fmt.Errorf("%w: %s: no DTSTART", ErrMalformedContent, objectPath)
	}
	var err error
	if ev.Start, err = eventTime(start); err != nil {
		return calendar.RemoteEvent{}, fmt.Errorf("%w: %s: %w", ErrMalformedContent, objectPath, err)
	}
	ev.End = endTime(vevent, ev.Start)

	for _, a := range vevent.Props.Values(ical.PropAttendee) {
		email := strings.TrimPrefix(strings.TrimPrefix(a.Value, mailtoPrefix), "MAILTO:")
		if email != "" {
			ev.Attendees = append(ev.Attendees, email)
		}
	}

	for name, props := range vevent.Props {
		if !strings.HasPrefix(name, crmXPrefix) || len(props) == 0 {
			continue
		}
		if ev.Properties == nil {
			ev.Properties = make(map[string]string)
		}
		ev.Properties[propertyKey(name)] = props[0].Value
	}
	return ev, nil
}

func masterEvent(cal *ical.Calendar) *ical.Component {
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
		if first == nil {
			first = child
		}
	}
	return first
}

func eventTime(prop *ical.Prop) (calendar.EventTime, error) {
	if isDate(prop) {
		d, err := time.Parse(icalDate, prop.Value)
		if err != nil {
			return calendar.EventTime{}, err
		}
		return calendar.EventTime{Date: d.Format(dateLayout)}, nil
	}
	t, err := parseDateTime(prop)
	if err != nil {
		return calendar.EventTime{}, err
	}
	return calendar.EventTime{DateTime: &t, TimeZone: prop.Params.Get(ical.ParamTimezoneID)}, nil
}

// endTime resolves DTEND, then DURATION, then the RFC 5545 defaults: one
// day for dates, zero length for instants.
func endTime(vevent *ical.Component, start calendar.EventTime) calendar.EventTime {
	if end := vevent.Props.Get(ical.PropDateTimeEnd); end != nil {
		if et, err := eventTime(end); err == nil {
			return et
		}
	}

	var d time.Duration
	if dur := vevent.Props.Get(ical.PropDuration); dur != nil {
		if parsed, err := dur.Duration(); err == nil {
			d = parsed
		}
	}

	if start.IsDate() {
		s, _ := time.Parse(dateLayout, start.Date)
		days := int(d / (24 * time.Hour))
		if days < 1 {
			days = 1
		}
		return calendar.EventTime{Date: s.AddDate(0, 0, days).Format(dateLayout)}
	}
	end := start.DateTime.Add(d)
	return calendar.EventTime{DateTime: &end, TimeZone: start.TimeZone}
}

func isDate(prop *ical.Prop) bool {
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	return len(prop.Value) == len(icalDate)
}

// parseDateTime returns the instant of a DTSTART/DTEND value. Floating
// times are read as UTC. Unknown TZIDs in GMT offset form are understood.
func parseDateTime(prop *ical.Prop) (time.Time, error) {
	value := prop.Value

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc != nil {
			t, err := time.ParseInLocation(icalLocal, value, loc)
			if err != nil {
				return time.Time{}, err
			}
			return t.UTC(), nil
		}
	}

	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		hours, err = strconv.Atoi(offset)
	case 3:
		hours, err = strconv.Atoi(offset[:1])
		if err == nil {
			minutes, err = strconv.Atoi(offset[1:])
		}
	case 4:
		hours, err = strconv.Atoi(offset[:2])
		if err == nil {
			minutes, err = strconv.Atoi(offset[2:])
		}
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// newCalendar builds the object for an event created by the CRM.
func newCalendar(uid string, p *calendar.EventPayload, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uid)
	writePayload(vevent, p, now)
	cal.Children = append(cal.Children, vevent)
	return cal
}

// applyPayload overwrites the CRM-owned properties of the master event.
func applyPayload(cal *ical.Calendar, p *calendar.EventPayload, now time.Time) error {
	if cal == nil {
		return ErrMalformedContent
	}
	vevent := masterEvent(cal)
	if vevent == nil {
		return fmt.Errorf("%w: no VEVENT", ErrMalformedContent)
	}

	seq := 0
	if s, err := vevent.Props.Text(ical.PropSequence); err == nil {
		seq, _ = strconv.Atoi(s)
	}
	vevent.Props.SetText(ical.PropSequence, strconv.Itoa(seq+1))

	writePayload(vevent, p, now)
	return nil
}

func writePayload(vevent *ical.Component, p *calendar.EventPayload, now time.Time) {
	now = now.UTC().Truncate(time.Second)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now)
	vevent.Props.SetDateTime(ical.PropLastModified, now)

	setText(vevent, ical.PropSummary, p.Title)
	setText(vevent, ical.PropDescription, p.Description)
	setText(vevent, ical.PropLocation, p.Location)

	vevent.Props.Del(ical.PropDuration)
	setTime(vevent, ical.PropDateTimeStart, p.Start)
	setTime(vevent, ical.PropDateTimeEnd, p.End)

	for name := range vevent.Props {
		if strings.HasPrefix(name, crmXPrefix) {
			vevent.Props.Del(name)
		}
	}
	for k, v := range p.Properties {
		vevent.Props.SetText(propertyName(k), v)
	}
}

func setText(vevent *ical.Component, name, value string) {
	if value == "" {
		vevent.Props.Del(name)
		return
	}
	vevent.Props.SetText(name, value)
}

func setTime(vevent *ical.Component, name string, t calendar.EventTime) {
	vevent.Props.Del(name)
	if t.IsDate() {
		if d, err := time.Parse(dateLayout, t.Date); err == nil {
			vevent.Props.SetDate(name, d)
		}
		return
	}
	if t.DateTime != nil {
		vevent.Props.SetDateTime(name, t.DateTime.UTC())
	}
}

// propertyName maps an extended property key to its iCalendar X- name,
// crm_activity_id to X-CRM-ACTIVITY-ID.
func propertyName(key string) string {
	return "X-" + strings.ToUpper(strings.ReplaceAll(key, "_", "-"))
}

func propertyKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, "X-"), "-", "_"))
}

func parseICalendar(data string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	return cal, nil
}
