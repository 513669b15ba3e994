// Package reminder scans events for due reminders, starts and ends, and
// fires each lifecycle transition exactly once.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calmanage/internal/calendar"
	"calmanage/internal/eventbus"
	"calmanage/internal/storage"
	logx "calmanage/pkg/logx"
)

const DefaultWindow = 24 * time.Hour

// Store is what a tick reads and writes.
type Store interface {
	GetCalendar(ctx context.Context, id string) (calendar.Calendar, error)
	ListPendingReminders(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
	ListPendingStarts(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
	ListPendingEnds(ctx context.Context, from, to time.Time) ([]calendar.Event, error)
	FireTransition(ctx context.Context, ref storage.LatchRef, notes []calendar.Notification) (bool, error)
}

// Notifier sends the start and end emails after a transition commits.
type Notifier interface {
	NotifyTransition(ctx context.Context, cal calendar.Calendar, e calendar.Event, kind calendar.Transition) (int, error)
}

// TickReport counts what one tick did. It is the payload of reminder.tick.
type TickReport struct {
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	Reminders int           `json:"reminders"`
	Starts    int           `json:"starts"`
	Ends      int           `json:"ends"`
	Emails    int           `json:"emails"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
}

// TransitionEvent is the payload of reminder.transition.
type TransitionEvent struct {
	EventID    string              `json:"event_id"`
	CalendarID string              `json:"calendar_id"`
	Transition calendar.Transition `json:"transition"`
	ReminderID string              `json:"reminder_id,omitempty"`
	At         time.Time           `json:"at"`
}

type SchedulerOption func(*Scheduler)

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(log logx.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// WithWindows sets how far ahead reminders and how far back starts and
// ends are scanned. Non-positive values keep the 24h default.
func WithWindows(lookahead, lookback time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.setWindows(lookahead, lookback) }
}

type Scheduler struct {
	store    Store
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu        sync.Mutex
	lookahead time.Duration
	lookback  time.Duration
}

// NewScheduler returns a Scheduler. notifier may be nil to skip email.
func NewScheduler(store Store, notifier Notifier, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:     store,
		notifier:  notifier,
		lookahead: DefaultWindow,
		lookback:  DefaultWindow,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetWindows changes the scan windows for subsequent ticks.
func (s *Scheduler) SetWindows(lookahead, lookback time.Duration) {
	s.mu.Lock()
	s.setWindows(lookahead, lookback)
	s.mu.Unlock()
}

func (s *Scheduler) setWindows(lookahead, lookback time.Duration) {
	if lookahead <= 0 {
		lookahead = DefaultWindow
	}
	if lookback <= 0 {
		lookback = DefaultWindow
	}
	s.lookahead, s.lookback = lookahead, lookback
}

func (s *Scheduler) windows() (time.Duration, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookahead, s.lookback
}

// Tick runs the reminder, start and end passes once. A failure in one event
// or one pass is logged and does not stop the rest.
func (s *Scheduler) Tick(ctx context.Context) {
	_ = s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) TickReport {
	begin := time.Now()
	now := s.now()
	ahead, back := s.windows()
	rep := TickReport{At: now}
	cals := calendarCache{store: s.store, found: map[string]*calendar.Calendar{}}

	s.reminderPass(ctx, now, now.Add(ahead), &cals, &rep)
	s.lifecyclePass(ctx, calendar.TransitionStart, now.Add(-back), now, &cals, &rep)
	s.lifecyclePass(ctx, calendar.TransitionEnd, now.Add(-back), now, &cals, &rep)

	rep.Took = time.Since(begin)
	fired := rep.Reminders + rep.Starts + rep.Ends
	if fired > 0 || rep.Errors > 0 {
		s.log.Info("tick done",
			logx.Int("reminders", rep.Reminders), logx.Int("starts", rep.Starts), logx.Int("ends", rep.Ends),
			logx.Int("emails", rep.Emails), logx.Int("skipped", rep.Skipped), logx.Int("errors", rep.Errors),
			logx.Duration("took", rep.Took))
	} else {
		s.log.Debug("tick done", logx.Duration("took", rep.Took))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderTick, Time: now, Data: rep})
	return rep
}

func (s *Scheduler) reminderPass(ctx context.Context, now, until time.Time, cals *calendarCache, rep *TickReport) {
	events, err := s.store.ListPendingReminders(ctx, now, until)
	if err != nil {
		rep.Errors++
		s.log.Error("reminder scan failed", logx.Err(err))
		return
	}
	for _, e := range events {
		cal, err := cals.get(ctx, e.CalendarID)
		if err != nil {
			s.skipOrFail(e, calendar.TransitionReminder, err, rep)
			continue
		}
		for _, r := range e.Reminders {
			if !r.Due(e.Start, now) {
				continue
			}
			note := calendar.Notification{
				UserID:    cal.OwnerID,
				Message:   fmt.Sprintf("Reminder: %s starts in %d minutes", e.Title, r.OffsetMinutes),
				Type:      calendar.NotifyReminder,
				RelatedID: e.ID,
				CreatedAt: now,
			}
			ref := storage.LatchRef{EventID: e.ID, Transition: calendar.TransitionReminder, ReminderID: r.ID}
			fired, err := s.store.FireTransition(ctx, ref, []calendar.Notification{note})
			if errors.Is(err, storage.ErrNotFound) {
				// replaced or deleted by an update since the scan
				rep.Skipped++
				s.log.Debug("reminder gone before fire", logx.String("event", e.ID), logx.String("reminder", r.ID))
				continue
			}
			if err != nil {
				rep.Errors++
				s.log.Error("reminder fire failed", logx.String("event", e.ID), logx.String("reminder", r.ID), logx.Err(err))
				continue
			}
			if fired {
				rep.Reminders++
				s.published(e, calendar.TransitionReminder, r.ID, now)
			}
		}
	}
}

func (s *Scheduler) lifecyclePass(ctx context.Context, kind calendar.Transition, from, to time.Time, cals *calendarCache, rep *TickReport) {
	list, label := s.store.ListPendingStarts, "Event Started"
	if kind == calendar.TransitionEnd {
		list, label = s.store.ListPendingEnds, "Event Ended"
	}
	events, err := list(ctx, from, to)
	if err != nil {
		rep.Errors++
		s.log.Error("lifecycle scan failed", logx.String("transition", string(kind)), logx.Err(err))
		return
	}
	for _, e := range events {
		cal, err := cals.get(ctx, e.CalendarID)
		if err != nil {
			s.skipOrFail(e, kind, err, rep)
			continue
		}
		note := calendar.Notification{
			UserID:    cal.OwnerID,
			Message:   label + ": " + e.Title,
			Type:      kind.NotificationType(),
			RelatedID: e.ID,
			CreatedAt: to,
		}
		fired, err := s.store.FireTransition(ctx, storage.LatchRef{EventID: e.ID, Transition: kind}, []calendar.Notification{note})
		if errors.Is(err, storage.ErrNotFound) {
			rep.Skipped++
			s.log.Debug("event gone before fire", logx.String("event", e.ID), logx.String("transition", string(kind)))
			continue
		}
		if err != nil {
			rep.Errors++
			s.log.Error("transition fire failed", logx.String("event", e.ID), logx.String("transition", string(kind)), logx.Err(err))
			continue
		}
		if !fired {
			continue
		}
		if kind == calendar.TransitionEnd {
			rep.Ends++
		} else {
			rep.Starts++
		}
		s.published(e, kind, "", to)

		// The transition is committed; email is best-effort from here on.
		if s.notifier == nil {
			continue
		}
		n, err := s.notifier.NotifyTransition(ctx, *cal, e, kind)
		if err != nil {
			s.log.Warn("transition email not dispatched", logx.String("event", e.ID), logx.String("transition", string(kind)), logx.Err(err))
		}
		rep.Emails += n
	}
}

func (s *Scheduler) skipOrFail(e calendar.Event, kind calendar.Transition, err error, rep *TickReport) {
	if errors.Is(err, storage.ErrNotFound) {
		rep.Skipped++
		s.log.Debug("calendar missing, transition left pending", logx.String("event", e.ID), logx.String("calendar", e.CalendarID), logx.String("transition", string(kind)))
		return
	}
	rep.Errors++
	s.log.Error("calendar lookup failed", logx.String("event", e.ID), logx.String("calendar", e.CalendarID), logx.Err(err))
}

func (s *Scheduler) published(e calendar.Event, kind calendar.Transition, reminderID string, at time.Time) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeReminderTransition,
		Time: at,
		Data: TransitionEvent{EventID: e.ID, CalendarID: e.CalendarID, Transition: kind, ReminderID: reminderID, At: at},
	})
}

// calendarCache memoizes calendar lookups for one tick, including misses.
type calendarCache struct {
	store Store
	found map[string]*calendar.Calendar
}

func (c *calendarCache) get(ctx context.Context, id string) (*calendar.Calendar, error) {
	if cal, ok := c.found[id]; ok {
		if cal == nil {
			return nil, storage.ErrNotFound
		}
		return cal, nil
	}
	cal, err := c.store.GetCalendar(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.found[id] = nil
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.found[id] = &cal
	return &cal, nil
}
