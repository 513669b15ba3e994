package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calmanage/internal/calendar"
	logx "calmanage/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []driverCase {
	return []driverCase{
		{name: "memory", open: func(t *testing.T) Store { return NewMemory() }},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cal.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		}},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, d := range drivers() {
		d := d
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			defer st.Close()
			fn(t, st)
		})
	}
}

func seed(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	off := false
	for _, u := range []calendar.User{
		{ID: "owner", Name: "Olive", Email: "olive@example.com"},
		{ID: "ed", Name: "Eddie", Email: "ed@example.com", EmailNotifications: &off},
	} {
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	if err := st.PutCalendar(ctx, calendar.Calendar{ID: "cal", OwnerID: "owner", Name: "Work"}); err != nil {
		t.Fatalf("PutCalendar: %v", err)
	}
}

func newEvent(title string, start time.Time) *calendar.Event {
	return &calendar.Event{
		CalendarID: "cal",
		CreatorID:  "owner",
		Title:      title,
		Start:      start,
		End:        start.Add(time.Hour),
		Reminders:  []calendar.Reminder{{OffsetMinutes: 10}, {OffsetMinutes: 60}},
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func TestUsersAndCalendars(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st)

		u, err := st.GetUser(ctx, "ed")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.EmailNotifications == nil || *u.EmailNotifications {
			t.Fatalf("email preference lost: %+v", u)
		}
		owner, _ := st.GetUser(ctx, "owner")
		if owner.EmailNotifications != nil {
			t.Fatalf("nil preference should stay nil")
		}
		if _, err := st.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetUser(ghost) err = %v", err)
		}

		users, err := st.GetUsers(ctx, []string{"owner", "ghost", "ed"})
		if err != nil || len(users) != 2 {
			t.Fatalf("GetUsers = %v, %v", users, err)
		}

		if err := st.PutCalendar(ctx, calendar.Calendar{ID: "cal", OwnerID: "ed", Name: "Stolen"}); err == nil {
			t.Fatalf("calendar owner must be immutable")
		}
		if err := st.PutCalendar(ctx, calendar.Calendar{ID: "cal", OwnerID: "owner", Name: "Work 2"}); err != nil {
			t.Fatalf("rename calendar: %v", err)
		}
		c, err := st.GetCalendar(ctx, "cal")
		if err != nil || c.Name != "Work 2" || c.OwnerID != "owner" {
			t.Fatalf("GetCalendar = %+v, %v", c, err)
		}
		if _, err := st.GetCalendar(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetCalendar(nope) err = %v", err)
		}
	})
}

func TestShares(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st)

		shares := []calendar.Share{
			{CalendarID: "cal", UserID: "ed", Role: calendar.RoleEditor, Status: calendar.ShareAccepted},
			{CalendarID: "cal", UserID: "pending", Role: calendar.RoleEditor, Status: calendar.SharePending},
			{CalendarID: "cal", UserID: "declined", Role: calendar.RoleViewer, Status: calendar.ShareDeclined},
			{CalendarID: "cal", UserID: "viewer", Role: calendar.RoleViewer, Status: calendar.ShareAccepted},
		}
		for _, sh := range shares {
			if err := st.PutShare(ctx, sh); err != nil {
				t.Fatalf("PutShare: %v", err)
			}
		}
		if err := st.PutShare(ctx, calendar.Share{CalendarID: "missing", UserID: "x"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("share on missing calendar err = %v", err)
		}

		sh, ok, err := st.GetAcceptedShare(ctx, "cal", "ed")
		if err != nil || !ok || sh.Role != calendar.RoleEditor {
			t.Fatalf("GetAcceptedShare(ed) = %+v %v %v", sh, ok, err)
		}
		if _, ok, _ := st.GetAcceptedShare(ctx, "cal", "pending"); ok {
			t.Fatalf("pending share must not be returned")
		}

		list, err := st.ListAcceptedShares(ctx, "cal")
		if err != nil {
			t.Fatalf("ListAcceptedShares: %v", err)
		}
		if len(list) != 2 || list[0].UserID != "ed" || list[1].UserID != "viewer" {
			t.Fatalf("accepted shares = %+v", list)
		}
	})
}

func TestEventCRUD(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st)

		later := newEvent("Later", t0.Add(48*time.Hour))
		sooner := newEvent("Sooner", t0.Add(2*time.Hour))
		for _, e := range []*calendar.Event{later, sooner} {
			if err := st.CreateEvent(ctx, e); err != nil {
				t.Fatalf("CreateEvent: %v", err)
			}
			if e.ID == "" || e.Reminders[0].ID == "" {
				t.Fatalf("ids not assigned: %+v", e)
			}
		}
		orphan := newEvent("Orphan", t0)
		orphan.CalendarID = "missing"
		if err := st.CreateEvent(ctx, orphan); !errors.Is(err, ErrNotFound) {
			t.Fatalf("event on missing calendar err = %v", err)
		}

		got, err := st.GetEvent(ctx, sooner.ID)
		if err != nil {
			t.Fatalf("GetEvent: %v", err)
		}
		if got.Title != "Sooner" || !got.Start.Equal(sooner.Start) || len(got.Reminders) != 2 {
			t.Fatalf("GetEvent = %+v", got)
		}
		if got.Reminders[0].OffsetMinutes != 10 || got.Reminders[1].OffsetMinutes != 60 {
			t.Fatalf("reminder order lost: %+v", got.Reminders)
		}

		list, err := st.ListEventsByCalendar(ctx, "cal")
		if err != nil || len(list) != 2 || list[0].ID != sooner.ID {
			t.Fatalf("ListEventsByCalendar = %+v, %v", list, err)
		}

		if err := st.DeleteEvent(ctx, later.ID); err != nil {
			t.Fatalf("DeleteEvent: %v", err)
		}
		if _, err := st.GetEvent(ctx, later.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleted event err = %v", err)
		}
		if err := st.DeleteEvent(ctx, later.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double delete err = %v", err)
		}
	})
}

func TestUpdateEventPreservesLatches(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st)

		e := newEvent("Standup", t0)
		if err := st.CreateEvent(ctx, e); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
		if ok, err := st.FireTransition(ctx, LatchRef{EventID: e.ID, Transition: calendar.TransitionStart}, nil); err != nil || !ok {
			t.Fatalf("fire start = %v, %v", ok, err)
		}

		title := "Daily standup"
		loc := ""
		upd, err := st.UpdateEvent(ctx, e.ID, EventUpdate{Title: &title, Location: &loc, UpdatedAt: t0.Add(time.Minute)})
		if err != nil {
			t.Fatalf("UpdateEvent: %v", err)
		}
		if upd.Title != title || !upd.Start.Equal(e.Start) {
			t.Fatalf("update lost fields: %+v", upd)
		}
		if !upd.StartNotice.Fired() || upd.EndNotice.Fired() {
			t.Fatalf("update touched latches: start=%v end=%v", upd.StartNotice.Fired(), upd.EndNotice.Fired())
		}
		if len(upd.Reminders) != 2 {
			t.Fatalf("reminders dropped without a patch: %+v", upd.Reminders)
		}

		rs := []calendar.Reminder{{OffsetMinutes: 5}}
		upd, err = st.UpdateEvent(ctx, e.ID, EventUpdate{Reminders: &rs})
		if err != nil {
			t.Fatalf("UpdateEvent reminders: %v", err)
		}
		if len(upd.Reminders) != 1 || upd.Reminders[0].OffsetMinutes != 5 || upd.Reminders[0].Sent.Fired() {
			t.Fatalf("replaced reminders = %+v", upd.Reminders)
		}

		if _, err := st.UpdateEvent(ctx, "missing", EventUpdate{Title: &title}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing err = %v", err)
		}
	})
}

func TestPendingScans(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st)

		inside := newEvent("Inside", t0.Add(time.Hour))
		edge := newEvent("Edge", t0.Add(24*time.Hour))
		outside := newEvent("Outside", t0.Add(25*time.Hour))
		noRem := newEvent("NoReminders", t0.Add(2*time.Hour))
		noRem.Reminders = nil
		for _, e := range []*calendar.Event{inside, edge, outside, noRem} {
			if err := st.CreateEvent(ctx, e); err != nil {
				t.Fatalf("CreateEvent: %v", err)
			}
		}

		rem, err := st.ListPendingReminders(ctx, t0, t0.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("ListPendingReminders: %v", err)
		}
		if len(rem) != 2 || rem[0].ID != inside.ID || rem[1].ID != edge.ID {
			t.Fatalf("pending reminders = %v", titles(rem))
		}

		for _, r := range inside.Reminders {
			if _, err := st.FireTransition(ctx, LatchRef{EventID: inside.ID, Transition: calendar.TransitionReminder, ReminderID: r.ID}, nil); err != nil {
				t.Fatalf("fire reminder: %v", err)
			}
		}
		rem, _ = st.ListPendingReminders(ctx, t0, t0.Add(24*time.Hour))
		if len(rem) != 1 || rem[0].ID != edge.ID {
			t.Fatalf("after firing, pending reminders = %v", titles(rem))
		}

		starts, err := st.ListPendingStarts(ctx, t0.Add(time.Hour), t0.Add(2*time.Hour))
		if err != nil || len(starts) != 2 {
			t.Fatalf("ListPendingStarts = %v, %v", titles(starts), err)
		}
		ends, err := st.ListPendingEnds(ctx, t0.Add(2*time.Hour), t0.Add(2*time.Hour))
		if err != nil || len(ends) != 1 || ends[0].ID != inside.ID {
			t.Fatalf("ListPendingEnds = %v, %v", titles(ends), err)
		}
	})
}

func titles(es []calendar.Event) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Title
	}
	return out
}

func TestFireTransitionExactlyOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seed(t, st)
		e := newEvent("Launch", t0)
		if err := st.CreateEvent(ctx, e); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}

		ref := LatchRef{EventID: e.ID, Transition: calendar.TransitionEnd}
		note := calendar.Notification{UserID: "owner", Message: "Event Ended: Launch", Type: calendar.NotifyEventEnd, RelatedID: e.ID, CreatedAt: t0}

		var (
			wg    sync.WaitGroup
			fired atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.FireTransition(ctx, ref, []calendar.Notification{note})
				if err != nil {
					t.Errorf("FireTransition: %v", err)
				}
				if ok {
					fired.Add(1)
				}
			}()
		}
		wg.Wait()
		if fired.Load() != 1 {
			t.Fatalf("fired %d times, want 1", fired.Load())
		}
		notes, _ := st.ListNotifications(ctx, "owner", 0)
		if len(notes) != 1 {
			t.Fatalf("notifications = %d, want 1", len(notes))
		}

		got, _ := st.GetEvent(ctx, e.ID)
		if !got.EndNotice.Fired() || got.StartNotice.Fired() {
			t.Fatalf("latches: start=%v end=%v", got.StartNotice.Fired(), got.EndNotice.Fired())
		}

		if _, err := st.FireTransition(ctx, LatchRef{EventID: "missing", Transition: calendar.TransitionStart}, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing event err = %v", err)
		}
		if _, err := st.FireTransition(ctx, LatchRef{EventID: e.ID, Transition: calendar.TransitionReminder, ReminderID: "nope"}, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing reminder err = %v", err)
		}
	})
}

func TestNotificationsAndActivities(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		notes := []calendar.Notification{
			{UserID: "u1", Message: "old", Type: calendar.NotifyEventCreated, CreatedAt: t0},
			{UserID: "u1", Message: "new", Type: calendar.NotifyEventDeleted, CreatedAt: t0.Add(time.Minute)},
			{UserID: "u2", Message: "other", Type: calendar.NotifyReminder, CreatedAt: t0},
		}
		if err := st.InsertNotifications(ctx, notes); err != nil {
			t.Fatalf("InsertNotifications: %v", err)
		}
		list, err := st.ListNotifications(ctx, "u1", 10)
		if err != nil || len(list) != 2 || list[0].Message != "new" {
			t.Fatalf("ListNotifications = %+v, %v", list, err)
		}
		if n, _ := st.CountUnread(ctx, "u1"); n != 2 {
			t.Fatalf("unread = %d", n)
		}

		if err := st.MarkNotificationRead(ctx, "u2", list[0].ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("foreign mark read err = %v", err)
		}
		if err := st.MarkNotificationRead(ctx, "u1", list[0].ID); err != nil {
			t.Fatalf("MarkNotificationRead: %v", err)
		}
		if n, _ := st.CountUnread(ctx, "u1"); n != 1 {
			t.Fatalf("unread after mark = %d", n)
		}
		if n, err := st.MarkAllNotificationsRead(ctx, "u1"); err != nil || n != 1 {
			t.Fatalf("MarkAllNotificationsRead = %d, %v", n, err)
		}
		if err := st.DeleteNotification(ctx, "u1", list[1].ID); err != nil {
			t.Fatalf("DeleteNotification: %v", err)
		}
		if err := st.DeleteNotification(ctx, "u1", list[1].ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("double delete err = %v", err)
		}

		acts := []calendar.Activity{
			{UserID: "u1", Action: calendar.ActionCreated, Target: calendar.TargetEvent, Details: "first", CreatedAt: t0},
			{UserID: "u1", Action: calendar.ActionDeleted, Target: calendar.TargetEvent, Details: "second", CreatedAt: t0},
		}
		if err := st.InsertActivities(ctx, acts); err != nil {
			t.Fatalf("InsertActivities: %v", err)
		}
		got, err := st.ListActivities(ctx, "u1", 1)
		if err != nil || len(got) != 1 || got[0].Details != "second" {
			t.Fatalf("ListActivities = %+v, %v", got, err)
		}
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seed(t, st)
	_ = st.Close()

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, err := st.GetCalendar(context.Background(), "cal"); err != nil {
		t.Fatalf("calendar lost across reopen: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
