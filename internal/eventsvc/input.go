package eventsvc

import (
	"strings"
	"time"

	"calmanage/internal/calendar"
	"calmanage/internal/storage"
)

const dateOnly = "2006-01-02"

// EventInput is the payload for Create. Start and End are RFC 3339 instants;
// all-day events may use a bare date.
type EventInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AllDay      bool   `json:"allDay,omitempty"`
	Recurrence  string `json:"recurrence,omitempty"`
	// Reminders are offsets in minutes before Start.
	Reminders []int `json:"reminders,omitempty"`
}

// EventPatch is the payload for Update.
type EventPatch struct {
	Title       Field[string] `json:"title"`
	Description Field[string] `json:"description"`
	Location    Field[string] `json:"location"`
	Start       Field[string] `json:"start"`
	End         Field[string] `json:"end"`
	AllDay      Field[bool]   `json:"allDay"`
	Recurrence  Field[string] `json:"recurrence"`
	Reminders   Field[[]int]  `json:"reminders"`
}

func parseInstant(field, raw string, allDay bool, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, invalid(field, "required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if allDay {
		if t, err := time.ParseInLocation(dateOnly, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid(field, "not a valid date-time")
}

func checkOrder(start, end time.Time) error {
	if end.Before(start) {
		return invalid("end", "before start")
	}
	return nil
}

func checkRecurrence(rule string, start time.Time) (string, error) {
	rule = calendar.NormalizeRecurrence(rule)
	if rule == "" {
		return "", nil
	}
	if _, err := calendar.ParseRecurrence(rule, start); err != nil {
		return "", invalid("recurrence", err.Error())
	}
	return rule, nil
}

func buildReminders(offsets []int) ([]calendar.Reminder, error) {
	out := make([]calendar.Reminder, 0, len(offsets))
	for _, off := range offsets {
		if off < 0 {
			return nil, invalid("reminders", "offset must not be negative")
		}
		out = append(out, calendar.Reminder{OffsetMinutes: off})
	}
	return out, nil
}

// newEvent validates in and returns the event to persist.
func newEvent(in EventInput, loc *time.Location) (calendar.Event, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return calendar.Event{}, invalid("title", "required")
	}
	start, err := parseInstant("start", in.Start, in.AllDay, loc)
	if err != nil {
		return calendar.Event{}, err
	}
	end, err := parseInstant("end", in.End, in.AllDay, loc)
	if err != nil {
		return calendar.Event{}, err
	}
	if err := checkOrder(start, end); err != nil {
		return calendar.Event{}, err
	}
	rule, err := checkRecurrence(in.Recurrence, start)
	if err != nil {
		return calendar.Event{}, err
	}
	reminders, err := buildReminders(in.Reminders)
	if err != nil {
		return calendar.Event{}, err
	}
	return calendar.Event{
		Title:       title,
		Description: in.Description,
		Location:    in.Location,
		Start:       start,
		End:         end,
		AllDay:      in.AllDay,
		Recurrence:  rule,
		Reminders:   reminders,
	}, nil
}

// toUpdate validates p against the stored event cur. Absent fields are
// left nil; null clears to the zero value except where a value is required.
func toUpdate(cur calendar.Event, p EventPatch, loc *time.Location) (storage.EventUpdate, error) {
	var u storage.EventUpdate

	if p.Title.Present() {
		title, _ := p.Title.Get()
		title = strings.TrimSpace(title)
		if title == "" {
			return u, invalid("title", "required")
		}
		u.Title = &title
	}
	if p.Description.Present() {
		v, _ := p.Description.Get()
		u.Description = &v
	}
	if p.Location.Present() {
		v, _ := p.Location.Get()
		u.Location = &v
	}

	allDay := cur.AllDay
	if p.AllDay.Present() {
		allDay, _ = p.AllDay.Get()
		u.AllDay = &allDay
	}

	start, end := cur.Start, cur.End
	if p.Start.Present() {
		raw, ok := p.Start.Get()
		if !ok {
			return u, invalid("start", "cannot be null")
		}
		t, err := parseInstant("start", raw, allDay, loc)
		if err != nil {
			return u, err
		}
		start = t
		u.Start = &start
	}
	if p.End.Present() {
		raw, ok := p.End.Get()
		if !ok {
			return u, invalid("end", "cannot be null")
		}
		t, err := parseInstant("end", raw, allDay, loc)
		if err != nil {
			return u, err
		}
		end = t
		u.End = &end
	}
	if u.Start != nil || u.End != nil {
		if err := checkOrder(start, end); err != nil {
			return u, err
		}
	}

	if p.Recurrence.Present() {
		raw, _ := p.Recurrence.Get()
		rule, err := checkRecurrence(raw, start)
		if err != nil {
			return u, err
		}
		u.Recurrence = &rule
	}
	if p.Reminders.Present() {
		offsets, _ := p.Reminders.Get()
		rs, err := buildReminders(offsets)
		if err != nil {
			return u, err
		}
		u.Reminders = &rs
	}
	return u, nil
}
