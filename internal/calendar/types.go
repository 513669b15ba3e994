package calendar

import "time"

// Role is a user's effective permission on a calendar. Roles are ordered;
// a higher role implies every lower one.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseShareRole accepts the two roles a share can grant.
func ParseShareRole(s string) (Role, bool) {
	switch s {
	case "viewer":
		return RoleViewer, true
	case "editor":
		return RoleEditor, true
	default:
		return RoleNone, false
	}
}

type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accepted"
	ShareDeclined ShareStatus = "declined"
)

type User struct {
	ID    string
	Name  string
	Email string
	// EmailNotifications nil means enabled.
	EmailNotifications *bool
}

// WantsEmail reports whether lifecycle emails may be sent to u.
func (u User) WantsEmail() bool {
	if u.Email == "" {
		return false
	}
	return u.EmailNotifications == nil || *u.EmailNotifications
}

type Calendar struct {
	ID      string
	OwnerID string
	Name    string
}

type Share struct {
	CalendarID string
	UserID     string
	Role       Role
	Status     ShareStatus
}

type Event struct {
	ID          string
	CalendarID  string
	CreatorID   string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Recurrence  string
	Reminders   []Reminder
	StartNotice Latch
	EndNotice   Latch
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PendingReminders returns the reminders whose latch has not fired.
func (e *Event) PendingReminders() []Reminder {
	var out []Reminder
	for _, r := range e.Reminders {
		if r.Sent.Pending() {
			out = append(out, r)
		}
	}
	return out
}

type Reminder struct {
	ID            string
	OffsetMinutes int
	Sent          Latch
}

// TriggerAt is the instant the reminder becomes due for an event starting at start.
func (r Reminder) TriggerAt(start time.Time) time.Time {
	return start.Add(-time.Duration(r.OffsetMinutes) * time.Minute)
}

// Due reports whether the reminder is pending and its trigger time has passed.
func (r Reminder) Due(start, now time.Time) bool {
	return r.Sent.Pending() && !r.TriggerAt(start).After(now)
}

type NotificationType string

const (
	NotifyEventCreated NotificationType = "event_created"
	NotifyEventDeleted NotificationType = "event_deleted"
	NotifyReminder     NotificationType = "reminder"
	NotifyEventStart   NotificationType = "event_start"
	NotifyEventEnd     NotificationType = "event_end"
)

type Notification struct {
	ID        string
	UserID    string
	Message   string
	Type      NotificationType
	RelatedID string
	IsRead    bool
	CreatedAt time.Time
}

type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// TargetEvent is the only activity target this core writes.
const TargetEvent = "Event"

type Activity struct {
	ID        string
	UserID    string
	Action    Action
	Target    string
	Details   string
	CreatedAt time.Time
}

// Transition names one of an event's exactly-once lifecycle latches.
type Transition string

const (
	TransitionReminder Transition = "reminder"
	TransitionStart    Transition = "start"
	TransitionEnd      Transition = "end"
)

// NotificationType maps a transition to the in-app notification it writes.
func (t Transition) NotificationType() NotificationType {
	switch t {
	case TransitionStart:
		return NotifyEventStart
	case TransitionEnd:
		return NotifyEventEnd
	default:
		return NotifyReminder
	}
}
