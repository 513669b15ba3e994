// Package render builds the lifecycle emails sent when an event starts or
// ends: an HTML body, a plain-text alternative and an iCalendar attachment.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"calmanage/internal/calendar"
	"calmanage/internal/mail"

	ical "github.com/arran4/golang-ical"
)

//go:embed templates/*
var templatesFS embed.FS

var (
	htmlTemplates = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/*.html"))
	textTemplates = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/*.txt"))
)

// ErrNoEmail is returned for transitions that never produce an email.
var ErrNoEmail = errors.New("render: transition has no email")

const (
	timeLayout   = "Mon, Jan 2 2006 15:04 MST"
	allDayLayout = "Mon, Jan 2 2006"
	productID    = "-//calmanage//lifecycle mail//EN"
)

type theme struct {
	Emoji     string
	Heading   string
	Subject   string
	TimeLabel string
	Accent    string
	Card      string
}

var themes = map[calendar.Transition]theme{
	calendar.TransitionStart: {Emoji: "🚀", Heading: "Event Started!", Subject: "Event Started", TimeLabel: "When", Accent: "#10b981", Card: "#f0fdf4"},
	calendar.TransitionEnd:   {Emoji: "🎊", Heading: "Event Ended", Subject: "Event Ended", TimeLabel: "Duration", Accent: "#ef4444", Card: "#fef2f2"},
}

type view struct {
	Theme        theme
	CalendarName string
	Title        string
	From         string
	Until        string
	Location     string
	ShowLocation bool
	Next         string
	ViewURL      string
}

// Renderer formats times in one location and links to one app URL.
type Renderer struct {
	appURL string
	loc    *time.Location
}

// New returns a Renderer. A nil loc means UTC.
func New(appURL string, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{appURL: strings.TrimSpace(appURL), loc: loc}
}

// Subject is the email subject line for a start or end transition.
func Subject(kind calendar.Transition, title string) (string, error) {
	th, ok := themes[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoEmail, kind)
	}
	return th.Emoji + " " + th.Subject + ": " + title, nil
}

// Transition renders the email for kind. The returned message has no
// recipient; callers copy it per address.
func (r *Renderer) Transition(cal calendar.Calendar, e calendar.Event, kind calendar.Transition, now time.Time) (mail.Message, error) {
	th, ok := themes[kind]
	if !ok {
		return mail.Message{}, fmt.Errorf("%w: %s", ErrNoEmail, kind)
	}
	subject, _ := Subject(kind, e.Title)

	v := view{
		Theme:        th,
		CalendarName: cal.Name,
		Title:        e.Title,
		From:         r.formatTime(e.Start, e.AllDay),
		Location:     e.Location,
		ShowLocation: kind == calendar.TransitionStart,
		ViewURL:      r.appURL,
	}
	if !e.End.IsZero() {
		v.Until = r.formatTime(e.End, e.AllDay)
	}
	if next, ok := calendar.NextOccurrence(&e, now); ok {
		v.Next = r.formatTime(next, e.AllDay)
	}

	var html, text bytes.Buffer
	if err := htmlTemplates.ExecuteTemplate(&html, "transition.html", v); err != nil {
		return mail.Message{}, fmt.Errorf("render html: %w", err)
	}
	if err := textTemplates.ExecuteTemplate(&text, "transition.txt", v); err != nil {
		return mail.Message{}, fmt.Errorf("render text: %w", err)
	}

	return mail.Message{
		Subject: subject,
		HTML:    html.String(),
		Text:    text.String(),
		Attachments: []mail.Attachment{{
			Name:        "event.ics",
			ContentType: "text/calendar; charset=utf-8; method=PUBLISH",
			Data:        []byte(r.ICS(cal, e, now)),
		}},
	}, nil
}

// ICS serializes e as a single-event VCALENDAR.
func (r *Renderer) ICS(cal calendar.Calendar, e calendar.Event, now time.Time) string {
	c := ical.NewCalendar()
	c.SetMethod(ical.MethodPublish)
	c.SetProductId(productID)
	c.SetXWRCalName(cal.Name)

	ve := c.AddEvent(e.ID + "@calmanage")
	ve.SetDtStampTime(now.UTC())
	if !e.CreatedAt.IsZero() {
		ve.SetCreatedTime(e.CreatedAt.UTC())
	}
	if !e.UpdatedAt.IsZero() {
		ve.SetModifiedAt(e.UpdatedAt.UTC())
	}
	if e.AllDay {
		ve.SetAllDayStartAt(e.Start.In(r.loc))
		if !e.End.IsZero() {
			ve.SetAllDayEndAt(e.End.In(r.loc))
		}
	} else {
		ve.SetStartAt(e.Start.UTC())
		if !e.End.IsZero() {
			ve.SetEndAt(e.End.UTC())
		}
	}
	ve.SetSummary(e.Title)
	if e.Description != "" {
		ve.SetDescription(e.Description)
	}
	if e.Location != "" {
		ve.SetLocation(e.Location)
	}
	if r.appURL != "" {
		ve.SetURL(r.appURL)
	}
	if rule := calendar.NormalizeRecurrence(e.Recurrence); rule != "" {
		ve.AddRrule(rule)
	}
	return c.Serialize()
}

func (r *Renderer) formatTime(t time.Time, allDay bool) string {
	if allDay {
		return t.In(r.loc).Format(allDayLayout)
	}
	return t.In(r.loc).Format(timeLayout)
}
