// Package eventsvc guards event mutations behind calendar roles and records
// the resulting activity and in-app notifications.
package eventsvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calmanage/internal/access"
	"calmanage/internal/calendar"
	"calmanage/internal/storage"
	logx "calmanage/pkg/logx"
)

// Store is the persistence the service writes through.
type Store interface {
	GetUser(ctx context.Context, id string) (calendar.User, error)
	CreateEvent(ctx context.Context, e *calendar.Event) error
	GetEvent(ctx context.Context, id string) (calendar.Event, error)
	ListEventsByCalendar(ctx context.Context, calendarID string) ([]calendar.Event, error)
	UpdateEvent(ctx context.Context, id string, u storage.EventUpdate) (calendar.Event, error)
	DeleteEvent(ctx context.Context, id string) error
	InsertActivities(ctx context.Context, acts []calendar.Activity) error
	InsertNotifications(ctx context.Context, notes []calendar.Notification) error
}

type Resolver interface {
	Resolve(ctx context.Context, calendarID, userID string) (access.Access, error)
}

// AudienceSource lists the users who hear about changes to a calendar.
type AudienceSource interface {
	Audience(ctx context.Context, cal calendar.Calendar) ([]string, error)
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLocation sets the zone used to read bare dates of all-day events.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

type Service struct {
	store    Store
	resolver Resolver
	audience AudienceSource
	log      logx.Logger
	now      func() time.Time
	loc      *time.Location
}

func New(store Store, resolver Resolver, audience AudienceSource, opts ...Option) *Service {
	s := &Service{store: store, resolver: resolver, audience: audience}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s
}

// authorize resolves the actor's access and maps it onto the error taxonomy.
func (s *Service) authorize(ctx context.Context, calendarID, actorID string, write bool) (access.Access, error) {
	acc, err := s.resolver.Resolve(ctx, calendarID, actorID)
	if err != nil {
		return acc, err
	}
	if !acc.Found() {
		return acc, ErrNotFound
	}
	if write && !acc.CanWrite() || !write && !acc.CanRead() {
		return acc, ErrUnauthorized
	}
	return acc, nil
}

func (s *Service) loadEvent(ctx context.Context, id string) (calendar.Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("load event %s: %w", id, err)
	}
	return e, nil
}

// Create validates in, checks that actor may write to the calendar, stores
// the event and tells the whole audience. Audit write failures are logged
// and do not undo the event.
func (s *Service) Create(ctx context.Context, calendarID, actorID string, in EventInput) (calendar.Event, error) {
	e, err := newEvent(in, s.loc)
	if err != nil {
		return calendar.Event{}, err
	}
	acc, err := s.authorize(ctx, calendarID, actorID, true)
	if err != nil {
		return calendar.Event{}, err
	}

	now := s.now()
	e.CalendarID = calendarID
	e.CreatorID = actorID
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := s.store.CreateEvent(ctx, &e); err != nil {
		return calendar.Event{}, fmt.Errorf("create event: %w", err)
	}

	s.fanOut(ctx, *acc.Calendar, actorID, e.ID, now, func(prefix string) (string, string) {
		return fmt.Sprintf("%s event \"%s\" in calendar \"%s\" (%s)", prefix, e.Title, acc.Calendar.Name, e.ID),
			fmt.Sprintf("%s \"%s\" in %s", prefix, e.Title, acc.Calendar.Name)
	}, calendar.ActionCreated, calendar.NotifyEventCreated, "created")

	s.log.Info("event created", logx.String("event", e.ID), logx.String("calendar", calendarID), logx.String("actor", actorID))
	return e, nil
}

// Update applies a field-level patch. Only the actor gets an activity
// record; the audience is not notified.
func (s *Service) Update(ctx context.Context, eventID, actorID string, p EventPatch) (calendar.Event, error) {
	cur, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return calendar.Event{}, err
	}
	if _, err := s.authorize(ctx, cur.CalendarID, actorID, true); err != nil {
		return calendar.Event{}, err
	}
	u, err := toUpdate(cur, p, s.loc)
	if err != nil {
		return calendar.Event{}, err
	}

	now := s.now()
	u.UpdatedAt = now
	updated, err := s.store.UpdateEvent(ctx, eventID, u)
	if errors.Is(err, storage.ErrNotFound) {
		return calendar.Event{}, ErrNotFound
	}
	if err != nil {
		return calendar.Event{}, fmt.Errorf("update event %s: %w", eventID, err)
	}

	act := calendar.Activity{
		UserID:    actorID,
		Action:    calendar.ActionUpdated,
		Target:    calendar.TargetEvent,
		Details:   fmt.Sprintf("%s (%s)", updated.Title, updated.ID),
		CreatedAt: now,
	}
	if err := s.store.InsertActivities(ctx, []calendar.Activity{act}); err != nil {
		s.log.Warn("activity write failed", logx.String("event", eventID), logx.String("action", "updated"), logx.Err(err))
	}
	return updated, nil
}

// Delete removes the event. Besides write access the actor must own the
// calendar or have created the event.
func (s *Service) Delete(ctx context.Context, eventID, actorID string) error {
	e, err := s.loadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	acc, err := s.authorize(ctx, e.CalendarID, actorID, true)
	if err != nil {
		return err
	}
	if !acc.IsOwner && e.CreatorID != actorID {
		return ErrUnauthorized
	}

	title, calName := e.Title, acc.Calendar.Name
	if err := s.store.DeleteEvent(ctx, eventID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete event %s: %w", eventID, err)
	}

	now := s.now()
	s.fanOut(ctx, *acc.Calendar, actorID, e.ID, now, func(prefix string) (string, string) {
		return fmt.Sprintf("%s event \"%s\" from calendar \"%s\"", prefix, title, calName),
			fmt.Sprintf("%s \"%s\" from %s", prefix, title, calName)
	}, calendar.ActionDeleted, calendar.NotifyEventDeleted, "deleted")

	s.log.Info("event deleted", logx.String("event", eventID), logx.String("calendar", e.CalendarID), logx.String("actor", actorID))
	return nil
}

// List returns the calendar's events ordered by start. Any role may read.
func (s *Service) List(ctx context.Context, calendarID, actorID string) ([]calendar.Event, error) {
	if _, err := s.authorize(ctx, calendarID, actorID, false); err != nil {
		return nil, err
	}
	events, err := s.store.ListEventsByCalendar(ctx, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// fanOut writes one activity and one notification per audience member.
// phrase receives "You <verb>" or "<actor> <verb>" and returns the activity
// details and the notification message.
func (s *Service) fanOut(ctx context.Context, cal calendar.Calendar, actorID, eventID string, now time.Time,
	phrase func(prefix string) (details, message string), action calendar.Action, typ calendar.NotificationType, verb string) {
	log := s.log.With(logx.String("event", eventID), logx.String("action", string(action)))

	members, err := s.audience.Audience(ctx, cal)
	if err != nil {
		log.Warn("audience lookup failed", logx.Err(err))
		return
	}
	actorName := s.actorName(ctx, actorID)

	acts := make([]calendar.Activity, 0, len(members))
	notes := make([]calendar.Notification, 0, len(members))
	for _, uid := range members {
		prefix := actorName + " " + verb
		if uid == actorID {
			prefix = "You " + verb
		}
		details, message := phrase(prefix)
		acts = append(acts, calendar.Activity{
			UserID:    uid,
			Action:    action,
			Target:    calendar.TargetEvent,
			Details:   details,
			CreatedAt: now,
		})
		notes = append(notes, calendar.Notification{
			UserID:    uid,
			Message:   message,
			Type:      typ,
			RelatedID: eventID,
			CreatedAt: now,
		})
	}

	if err := s.store.InsertActivities(ctx, acts); err != nil {
		log.Warn("activity fan-out failed", logx.Int("count", len(acts)), logx.Err(err))
	}
	if err := s.store.InsertNotifications(ctx, notes); err != nil {
		log.Warn("notification fan-out failed", logx.Int("count", len(notes)), logx.Err(err))
	}
}

func (s *Service) actorName(ctx context.Context, actorID string) string {
	u, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("actor lookup failed", logx.String("actor", actorID), logx.Err(err))
		}
		return "Someone"
	}
	if u.Name == "" {
		return "Someone"
	}
	return u.Name
}
