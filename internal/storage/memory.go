package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"calmanage/internal/calendar"
)

type shareKey struct{ calendarID, userID string }

type memNotification struct {
	seq uint64
	n   calendar.Notification
}

type memActivity struct {
	seq uint64
	a   calendar.Activity
}

// memoryStore keeps everything in maps behind one mutex.
type memoryStore struct {
	mu     sync.Mutex
	closed bool
	seq    uint64

	users     map[string]calendar.User
	calendars map[string]calendar.Calendar
	shares    map[shareKey]calendar.Share
	events    map[string]calendar.Event
	notes     map[string]memNotification
	acts      []memActivity
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		users:     map[string]calendar.User{},
		calendars: map[string]calendar.Calendar{},
		shares:    map[shareKey]calendar.Share{},
		events:    map[string]calendar.Event{},
		notes:     map[string]memNotification{},
	}
}

func cloneEvent(e calendar.Event) calendar.Event {
	e.Reminders = append([]calendar.Reminder(nil), e.Reminders...)
	return e
}

func (m *memoryStore) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) PutUser(_ context.Context, u calendar.User) error {
	if u.ID == "" {
		return fmt.Errorf("put user: id is required")
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) GetUser(_ context.Context, id string) (calendar.User, error) {
	if err := m.lock(); err != nil {
		return calendar.User{}, err
	}
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return calendar.User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryStore) GetUsers(_ context.Context, ids []string) (map[string]calendar.User, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make(map[string]calendar.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *memoryStore) PutCalendar(_ context.Context, c calendar.Calendar) error {
	if c.ID == "" || c.OwnerID == "" {
		return fmt.Errorf("put calendar: id and owner are required")
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if prev, ok := m.calendars[c.ID]; ok && prev.OwnerID != c.OwnerID {
		return fmt.Errorf("put calendar %s: owner is immutable", c.ID)
	}
	m.calendars[c.ID] = c
	return nil
}

func (m *memoryStore) GetCalendar(_ context.Context, id string) (calendar.Calendar, error) {
	if err := m.lock(); err != nil {
		return calendar.Calendar{}, err
	}
	defer m.mu.Unlock()
	c, ok := m.calendars[id]
	if !ok {
		return calendar.Calendar{}, ErrNotFound
	}
	return c, nil
}

func (m *memoryStore) PutShare(_ context.Context, s calendar.Share) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.calendars[s.CalendarID]; !ok {
		return fmt.Errorf("put share: calendar %s: %w", s.CalendarID, ErrNotFound)
	}
	m.shares[shareKey{s.CalendarID, s.UserID}] = s
	return nil
}

func (m *memoryStore) GetAcceptedShare(_ context.Context, calendarID, userID string) (calendar.Share, bool, error) {
	if err := m.lock(); err != nil {
		return calendar.Share{}, false, err
	}
	defer m.mu.Unlock()
	s, ok := m.shares[shareKey{calendarID, userID}]
	if !ok || s.Status != calendar.ShareAccepted {
		return calendar.Share{}, false, nil
	}
	return s, true, nil
}

func (m *memoryStore) ListAcceptedShares(_ context.Context, calendarID string) ([]calendar.Share, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []calendar.Share
	for k, s := range m.shares {
		if k.calendarID == calendarID && s.Status == calendar.ShareAccepted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memoryStore) CreateEvent(_ context.Context, e *calendar.Event) error {
	if e == nil {
		return fmt.Errorf("create event: nil event")
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.calendars[e.CalendarID]; !ok {
		return fmt.Errorf("create event: calendar %s: %w", e.CalendarID, ErrNotFound)
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if _, dup := m.events[e.ID]; dup {
		return fmt.Errorf("create event: id %s already exists", e.ID)
	}
	for i := range e.Reminders {
		if e.Reminders[i].ID == "" {
			e.Reminders[i].ID = newID()
		}
	}
	m.events[e.ID] = cloneEvent(*e)
	return nil
}

func (m *memoryStore) GetEvent(_ context.Context, id string) (calendar.Event, error) {
	if err := m.lock(); err != nil {
		return calendar.Event{}, err
	}
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return calendar.Event{}, ErrNotFound
	}
	return cloneEvent(e), nil
}

func (m *memoryStore) ListEventsByCalendar(_ context.Context, calendarID string) ([]calendar.Event, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.filterEvents(func(e calendar.Event) bool { return e.CalendarID == calendarID }, byStart), nil
}

func (m *memoryStore) UpdateEvent(_ context.Context, id string, u EventUpdate) (calendar.Event, error) {
	if err := m.lock(); err != nil {
		return calendar.Event{}, err
	}
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return calendar.Event{}, ErrNotFound
	}
	if u.Title != nil {
		e.Title = *u.Title
	}
	if u.Description != nil {
		e.Description = *u.Description
	}
	if u.Location != nil {
		e.Location = *u.Location
	}
	if u.Start != nil {
		e.Start = *u.Start
	}
	if u.End != nil {
		e.End = *u.End
	}
	if u.AllDay != nil {
		e.AllDay = *u.AllDay
	}
	if u.Recurrence != nil {
		e.Recurrence = *u.Recurrence
	}
	if u.Reminders != nil {
		e.Reminders = freshReminders(*u.Reminders)
	}
	e.UpdatedAt = orNow(u.UpdatedAt)
	m.events[id] = e
	return cloneEvent(e), nil
}

// freshReminders copies rs with new ids and pending latches.
func freshReminders(rs []calendar.Reminder) []calendar.Reminder {
	out := make([]calendar.Reminder, len(rs))
	for i, r := range rs {
		out[i] = calendar.Reminder{ID: newID(), OffsetMinutes: r.OffsetMinutes}
	}
	return out
}

func (m *memoryStore) DeleteEvent(_ context.Context, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrNotFound
	}
	delete(m.events, id)
	return nil
}

func byStart(a, b calendar.Event) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.ID < b.ID
}

func byEnd(a, b calendar.Event) bool {
	if !a.End.Equal(b.End) {
		return a.End.Before(b.End)
	}
	return a.ID < b.ID
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func (m *memoryStore) filterEvents(keep func(calendar.Event) bool, less func(a, b calendar.Event) bool) []calendar.Event {
	var out []calendar.Event
	for _, e := range m.events {
		if keep(e) {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *memoryStore) ListPendingReminders(_ context.Context, from, to time.Time) ([]calendar.Event, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.filterEvents(func(e calendar.Event) bool {
		return within(e.Start, from, to) && len(e.PendingReminders()) > 0
	}, byStart), nil
}

func (m *memoryStore) ListPendingStarts(_ context.Context, from, to time.Time) ([]calendar.Event, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.filterEvents(func(e calendar.Event) bool {
		return within(e.Start, from, to) && e.StartNotice.Pending()
	}, byStart), nil
}

func (m *memoryStore) ListPendingEnds(_ context.Context, from, to time.Time) ([]calendar.Event, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.filterEvents(func(e calendar.Event) bool {
		return within(e.End, from, to) && e.EndNotice.Pending()
	}, byEnd), nil
}

func (m *memoryStore) FireTransition(_ context.Context, ref LatchRef, notes []calendar.Notification) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	stored, ok := m.events[ref.EventID]
	if !ok {
		return false, ErrNotFound
	}
	e := cloneEvent(stored)

	var fired bool
	switch ref.Transition {
	case calendar.TransitionStart:
		fired = e.StartNotice.Fire()
	case calendar.TransitionEnd:
		fired = e.EndNotice.Fire()
	case calendar.TransitionReminder:
		found := false
		for i := range e.Reminders {
			if e.Reminders[i].ID == ref.ReminderID {
				found = true
				fired = e.Reminders[i].Sent.Fire()
				break
			}
		}
		if !found {
			return false, fmt.Errorf("reminder %s: %w", ref.ReminderID, ErrNotFound)
		}
	default:
		return false, fmt.Errorf("fire transition: unknown transition %q", ref.Transition)
	}
	if !fired {
		return false, nil
	}
	m.events[ref.EventID] = e
	m.insertNotesLocked(notes)
	return true, nil
}

func (m *memoryStore) insertNotesLocked(notes []calendar.Notification) {
	for _, n := range notes {
		if n.ID == "" {
			n.ID = newID()
		}
		n.CreatedAt = orNow(n.CreatedAt)
		m.seq++
		m.notes[n.ID] = memNotification{seq: m.seq, n: n}
	}
}

func (m *memoryStore) InsertNotifications(_ context.Context, notes []calendar.Notification) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.insertNotesLocked(notes)
	return nil
}

func (m *memoryStore) userNotesLocked(userID string) []memNotification {
	var out []memNotification
	for _, mn := range m.notes {
		if mn.n.UserID == userID {
			out = append(out, mn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.n.CreatedAt.Equal(b.n.CreatedAt) {
			return a.n.CreatedAt.After(b.n.CreatedAt)
		}
		return a.seq > b.seq
	})
	return out
}

func (m *memoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]calendar.Notification, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	all := m.userNotesLocked(userID)
	if n := clampLimit(limit); len(all) > n {
		all = all[:n]
	}
	out := make([]calendar.Notification, len(all))
	for i, mn := range all {
		out[i] = mn.n
	}
	return out, nil
}

func (m *memoryStore) CountUnread(_ context.Context, userID string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, mn := range m.notes {
		if mn.n.UserID == userID && !mn.n.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	mn, ok := m.notes[id]
	if !ok || mn.n.UserID != userID {
		return ErrNotFound
	}
	mn.n.IsRead = true
	m.notes[id] = mn
	return nil
}

func (m *memoryStore) MarkAllNotificationsRead(_ context.Context, userID string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for id, mn := range m.notes {
		if mn.n.UserID == userID && !mn.n.IsRead {
			mn.n.IsRead = true
			m.notes[id] = mn
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) DeleteNotification(_ context.Context, userID, id string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	mn, ok := m.notes[id]
	if !ok || mn.n.UserID != userID {
		return ErrNotFound
	}
	delete(m.notes, id)
	return nil
}

func (m *memoryStore) InsertActivities(_ context.Context, acts []calendar.Activity) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for _, a := range acts {
		if a.ID == "" {
			a.ID = newID()
		}
		a.CreatedAt = orNow(a.CreatedAt)
		m.seq++
		m.acts = append(m.acts, memActivity{seq: m.seq, a: a})
	}
	return nil
}

func (m *memoryStore) ListActivities(_ context.Context, userID string, limit int) ([]calendar.Activity, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var mine []memActivity
	for _, ma := range m.acts {
		if ma.a.UserID == userID {
			mine = append(mine, ma)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		a, b := mine[i], mine[j]
		if !a.a.CreatedAt.Equal(b.a.CreatedAt) {
			return a.a.CreatedAt.After(b.a.CreatedAt)
		}
		return a.seq > b.seq
	})
	if n := clampLimit(limit); len(mine) > n {
		mine = mine[:n]
	}
	out := make([]calendar.Activity, len(mine))
	for i, ma := range mine {
		out[i] = ma.a
	}
	return out, nil
}
