package storage

import (
	"context"
	"errors"
	"time"

	"calmanage/internal/calendar"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values: "memory" (default when empty) or "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// EventUpdate is a field-level patch. Nil fields are left untouched.
// Replacing Reminders discards the old rows and inserts pending ones.
type EventUpdate struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	AllDay      *bool
	Recurrence  *string
	Reminders   *[]calendar.Reminder
	UpdatedAt   time.Time
}

// Empty reports whether the patch changes no column besides UpdatedAt.
func (u EventUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Location == nil &&
		u.Start == nil && u.End == nil && u.AllDay == nil &&
		u.Recurrence == nil && u.Reminders == nil
}

// LatchRef names one latch. ReminderID is only used with TransitionReminder.
type LatchRef struct {
	EventID    string
	Transition calendar.Transition
	ReminderID string
}

type Store interface {
	PutUser(ctx context.Context, u calendar.User) error
	GetUser(ctx context.Context, id string) (calendar.User, error)
	// GetUsers returns the users that exist; missing ids are simply absent.
	GetUsers(ctx context.Context, ids []string) (map[string]calendar.User, error)

	PutCalendar(ctx context.Context, c calendar.Calendar) error
	GetCalendar(ctx context.Context, id string) (calendar.Calendar, error)
	PutShare(ctx context.Context, s calendar.Share) error
	GetAcceptedShare(ctx context.Context, calendarID, userID string) (calendar.Share, bool, error)
	ListAcceptedShares(ctx context.Context, calendarID string) ([]calendar.Share, error)

	// CreateEvent assigns missing event and reminder ids in place.
	CreateEvent(ctx context.Context, e *calendar.Event) error
	GetEvent(ctx context.Context, id string) (calendar.Event, error)
	ListEventsByCalendar(ctx context.Context, calendarID string) ([]calendar.Event, error)
	UpdateEvent(ctx context.Context, id string, u EventUpdate) (calendar.Event, error)
	DeleteEvent(ctx context.Context, id string) error

	// Range scans for the scheduler. Bounds are inclusive and results are
	// ordered by the scanned instant.
	ListPendingReminders(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
	ListPendingStarts(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
	ListPendingEnds(ctx context.Context, from, to time.Time) ([]calendar.Event, error)

	// FireTransition sets the latch and inserts notes atomically, but only
	// if the latch is still pending. It reports whether this call fired it.
	FireTransition(ctx context.Context, ref LatchRef, notes []calendar.Notification) (bool, error)

	InsertNotifications(ctx context.Context, notes []calendar.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]calendar.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, userID, id string) error

	InsertActivities(ctx context.Context, acts []calendar.Activity) error
	ListActivities(ctx context.Context, userID string, limit int) ([]calendar.Activity, error)

	Close() error
}
