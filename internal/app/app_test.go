package app

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"calmanage/internal/calendar"
	"calmanage/internal/config"
	"calmanage/internal/eventsvc"
	"calmanage/internal/mail"
)

const testConfig = `
logging:
  level: error
storage:
  driver: memory
scheduler:
  enabled: false
  timezone: UTC
mail:
  enabled: false
`

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calmanage.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func seedCalendar(t *testing.T, a *App) {
	t.Helper()
	ctx := context.Background()
	st := a.Store()
	for _, u := range []calendar.User{
		{ID: "owner", Name: "Olive", Email: "olive@example.com"},
		{ID: "ann", Name: "Ann", Email: "ann@example.com"},
	} {
		if err := st.PutUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.PutCalendar(ctx, calendar.Calendar{ID: "cal", OwnerID: "owner", Name: "Team"}); err != nil {
		t.Fatal(err)
	}
	share := calendar.Share{CalendarID: "cal", UserID: "ann", Role: calendar.RoleEditor, Status: calendar.ShareAccepted}
	if err := st.PutShare(ctx, share); err != nil {
		t.Fatal(err)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  schedule: whenever\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestRunOnceFiresStart(t *testing.T) {
	a := newTestApp(t, testConfig)
	defer a.Stop(context.Background(), StopRunOnce)
	seedCalendar(t, a)
	ctx := context.Background()

	now := time.Now().UTC()
	e, err := a.Events().Create(ctx, "cal", "ann", eventsvc.EventInput{
		Title: "Standup",
		Start: now.Add(-time.Minute).Format(time.RFC3339),
		End:   now.Add(time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rep := a.RunOnce(ctx)
	if rep.Starts != 1 || rep.Ends != 0 || rep.Errors != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if again := a.RunOnce(ctx); again.Starts != 0 {
		t.Fatalf("start fired twice: %+v", again)
	}

	notes, err := a.Inbox().List(ctx, "owner", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var created, started bool
	for _, n := range notes {
		switch n.Type {
		case calendar.NotifyEventCreated:
			created = n.Message == `Ann created "Standup" in Team`
		case calendar.NotifyEventStart:
			started = n.RelatedID == e.ID
		}
	}
	if !created || !started {
		t.Fatalf("owner inbox=%+v", notes)
	}
}

func TestRunOnceDeliversTransitionMail(t *testing.T) {
	a := newTestApp(t, `
logging:
  level: error
storage:
  driver: memory
scheduler:
  enabled: false
  timezone: UTC
mail:
  enabled: true
  host: smtp.invalid
  from: calmanage@example.com
`)
	var (
		mu   sync.Mutex
		sent []mail.Message
	)
	a.mail.SetSender(mail.SenderFunc(func(_ context.Context, m mail.Message) error {
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		return nil
	}))
	seedCalendar(t, a)
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := a.Events().Create(ctx, "cal", "ann", eventsvc.EventInput{
		Title: "Standup",
		Start: now.Add(-time.Minute).Format(time.RFC3339),
		End:   now.Add(time.Hour).Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rep := a.RunOnce(ctx)
	if rep.Starts != 1 || rep.Emails != 2 || rep.Errors != 0 {
		t.Fatalf("report=%+v", rep)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopRunOnce); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var to []string
	for _, m := range sent {
		if !strings.Contains(m.Subject, "Event Started: Standup") {
			t.Fatalf("unexpected mail %q", m.Subject)
		}
		to = append(to, m.To)
	}
	slices.Sort(to)
	if want := []string{"ann@example.com", "olive@example.com"}; !slices.Equal(to, want) {
		t.Fatalf("delivered to %v, want %v", to, want)
	}
	if st := a.mail.Stats(); st.Queued != 2 || st.Sent != 2 {
		t.Fatalf("mail stats=%+v", st)
	}
}

func TestStartStop(t *testing.T) {
	a := newTestApp(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	default:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
}

func TestApplyConfigTogglesScheduler(t *testing.T) {
	a := newTestApp(t, testConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopSignal)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Scheduler.Enabled = true
	newCfg.Scheduler.Schedule = "1m"
	newCfg.Scheduler.Lookahead = "2h"

	a.applyConfig(context.Background(), oldCfg, &newCfg)
	if !a.Reminders().Enabled() || a.Reminders().Next().IsZero() {
		t.Fatal("scheduler not started by reload")
	}

	a.applyConfig(context.Background(), &newCfg, oldCfg)
	if a.Reminders().Enabled() || !a.Reminders().Next().IsZero() {
		t.Fatal("scheduler not stopped by reload")
	}
}

func TestMapReminderConfig(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		want     string
		wantErr  bool
	}{
		{name: "default", want: config.DefaultSchedule},
		{name: "duration", schedule: "45s", want: "@every 45s"},
		{name: "cron", schedule: "*/2 * * * *", want: "*/2 * * * *"},
		{name: "garbage", schedule: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapReminderConfig(&config.Config{Scheduler: config.SchedulerConfig{Schedule: tt.schedule}})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("mapReminderConfig: %v", err)
			}
			if got.Schedule != tt.want {
				t.Fatalf("schedule=%q want %q", got.Schedule, tt.want)
			}
		})
	}
}

func TestMapMailSender(t *testing.T) {
	s, err := mapMailSender(&config.Config{})
	if err != nil || s != nil {
		t.Fatalf("disabled mail: sender=%v err=%v", s, err)
	}
	if _, err := mapMailSender(&config.Config{Mail: config.MailConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error without host")
	}
	s, err = mapMailSender(&config.Config{Mail: config.MailConfig{Enabled: true, Host: "smtp", From: "a@b.c"}})
	if err != nil || s == nil {
		t.Fatalf("sender=%v err=%v", s, err)
	}
}

func TestStatusTracksTicks(t *testing.T) {
	a := newTestApp(t, testConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopSignal)

	if st := a.Status(); st.LastTick != nil {
		t.Fatalf("unexpected last tick before any run: %+v", st.LastTick)
	}
	a.RunOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for a.Status().LastTick == nil {
		if time.Now().After(deadline) {
			t.Fatal("last tick not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := a.Status(); st.Supervisor.Active == 0 {
		t.Fatalf("supervisor counters not reported: %+v", st.Supervisor)
	}
}
