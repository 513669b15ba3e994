package dispatch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"calmanage/internal/calendar"
	"calmanage/internal/mail"
	"calmanage/internal/render"
	"calmanage/internal/storage"
	logx "calmanage/pkg/logx"
)

type fakeMailer struct {
	mu       sync.Mutex
	disabled bool
	failFor  map[string]error
	msgs     []mail.Message
}

func (f *fakeMailer) Enabled() bool { return !f.disabled }

func (f *fakeMailer) Enqueue(_ context.Context, m mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[m.To]; err != nil {
		return err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeMailer) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.To)
	}
	return out
}

var fixedNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// seedStore builds: owner O, accepted editor A, accepted viewer B (opted
// out), pending C, declined D, and accepted E sharing A's address.
func seedStore(t *testing.T) (storage.Store, calendar.Calendar) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	off := false
	users := []calendar.User{
		{ID: "O", Name: "Olive", Email: "olive@example.com"},
		{ID: "A", Name: "Ann", Email: "ann@example.com"},
		{ID: "B", Name: "Bob", Email: "bob@example.com", EmailNotifications: &off},
		{ID: "C", Name: "Cid", Email: "cid@example.com"},
		{ID: "D", Name: "Dee", Email: "dee@example.com"},
		{ID: "E", Name: "Ann again", Email: "ANN@example.com"},
	}
	for _, u := range users {
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	cal := calendar.Calendar{ID: "cal", OwnerID: "O", Name: "Team"}
	if err := st.PutCalendar(ctx, cal); err != nil {
		t.Fatalf("PutCalendar: %v", err)
	}
	shares := []calendar.Share{
		{CalendarID: "cal", UserID: "A", Role: calendar.RoleEditor, Status: calendar.ShareAccepted},
		{CalendarID: "cal", UserID: "B", Role: calendar.RoleViewer, Status: calendar.ShareAccepted},
		{CalendarID: "cal", UserID: "C", Role: calendar.RoleViewer, Status: calendar.SharePending},
		{CalendarID: "cal", UserID: "D", Role: calendar.RoleEditor, Status: calendar.ShareDeclined},
		{CalendarID: "cal", UserID: "E", Role: calendar.RoleViewer, Status: calendar.ShareAccepted},
		{CalendarID: "cal", UserID: "O", Role: calendar.RoleViewer, Status: calendar.ShareAccepted},
	}
	for _, s := range shares {
		if err := st.PutShare(ctx, s); err != nil {
			t.Fatalf("PutShare: %v", err)
		}
	}
	return st, cal
}

func TestAudience(t *testing.T) {
	st, cal := seedStore(t)
	d := New(st, nil, nil, logx.Nop(), nil)
	got, err := d.Audience(context.Background(), cal)
	if err != nil {
		t.Fatalf("Audience: %v", err)
	}
	want := []string{"O", "A", "B", "E"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Audience=%v want %v", got, want)
	}
}

func TestRecipientSet(t *testing.T) {
	st, cal := seedStore(t)
	d := New(st, nil, nil, logx.Nop(), nil)
	got, err := d.RecipientSet(context.Background(), cal)
	if err != nil {
		t.Fatalf("RecipientSet: %v", err)
	}
	// B opted out, C and D are not in the audience, E duplicates A's address.
	want := []string{"olive@example.com", "ann@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RecipientSet=%v want %v", got, want)
	}
}

type brokenDirectory struct{}

func (brokenDirectory) GetUsers(context.Context, []string) (map[string]calendar.User, error) {
	return nil, errors.New("db down")
}

func (brokenDirectory) ListAcceptedShares(context.Context, string) ([]calendar.Share, error) {
	return nil, errors.New("db down")
}

func TestAudienceWrapsStoreError(t *testing.T) {
	d := New(brokenDirectory{}, nil, nil, logx.Nop(), nil)
	if _, err := d.Audience(context.Background(), calendar.Calendar{ID: "x"}); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("err=%v", err)
	}
}

func TestSendIsolatesFailures(t *testing.T) {
	m := &fakeMailer{failFor: map[string]error{"b@x.io": mail.ErrQueueFull}}
	d := New(storage.NewMemory(), m, nil, logx.Nop(), nil)
	n := d.Send(context.Background(), []string{"a@x.io", "b@x.io", "c@x.io"}, mail.Message{Subject: "s"})
	if n != 2 {
		t.Fatalf("queued=%d want 2", n)
	}
	if got := m.recipients(); !reflect.DeepEqual(got, []string{"a@x.io", "c@x.io"}) {
		t.Fatalf("recipients=%v", got)
	}
}

func TestSendSkipsWhenMailDisabled(t *testing.T) {
	m := &fakeMailer{disabled: true}
	d := New(storage.NewMemory(), m, nil, logx.Nop(), nil)
	if n := d.Send(context.Background(), []string{"a@x.io"}, mail.Message{}); n != 0 {
		t.Fatalf("queued=%d", n)
	}
	if nilMailer := New(storage.NewMemory(), nil, nil, logx.Nop(), nil); nilMailer.Send(context.Background(), []string{"a@x.io"}, mail.Message{}) != 0 {
		t.Fatal("nil mailer should queue nothing")
	}
}

func TestNotifyTransition(t *testing.T) {
	st, cal := seedStore(t)
	m := &fakeMailer{}
	d := New(st, m, render.New("https://cal.example.com", nil), logx.Nop(), func() time.Time { return fixedNow })
	e := calendar.Event{ID: "e1", CalendarID: cal.ID, Title: "Retro", Start: fixedNow, End: fixedNow.Add(time.Hour)}

	n, err := d.NotifyTransition(context.Background(), cal, e, calendar.TransitionStart)
	if err != nil {
		t.Fatalf("NotifyTransition: %v", err)
	}
	if n != 2 {
		t.Fatalf("queued=%d want 2", n)
	}
	if _, err := d.NotifyTransition(context.Background(), cal, e, calendar.TransitionReminder); !errors.Is(err, render.ErrNoEmail) {
		t.Fatalf("reminder transition err=%v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) != 2 {
		t.Fatalf("messages=%d want 2", len(m.msgs))
	}
	for _, msg := range m.msgs {
		if msg.Subject != "🚀 Event Started: Retro" || msg.HTML == "" {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}
