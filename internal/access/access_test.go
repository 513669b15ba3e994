package access

import (
	"context"
	"errors"
	"testing"

	"calmanage/internal/calendar"
	"calmanage/internal/storage"
)

func setup(t *testing.T) storage.Store {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	if err := st.PutCalendar(ctx, calendar.Calendar{ID: "cal", OwnerID: "owner", Name: "Team"}); err != nil {
		t.Fatal(err)
	}
	shares := []calendar.Share{
		{CalendarID: "cal", UserID: "editor", Role: calendar.RoleEditor, Status: calendar.ShareAccepted},
		{CalendarID: "cal", UserID: "viewer", Role: calendar.RoleViewer, Status: calendar.ShareAccepted},
		{CalendarID: "cal", UserID: "invited", Role: calendar.RoleEditor, Status: calendar.SharePending},
		{CalendarID: "cal", UserID: "declined", Role: calendar.RoleEditor, Status: calendar.ShareDeclined},
		// the owner also holding a viewer share must not downgrade them
		{CalendarID: "cal", UserID: "owner", Role: calendar.RoleViewer, Status: calendar.ShareAccepted},
	}
	for _, sh := range shares {
		if err := st.PutShare(ctx, sh); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestResolve(t *testing.T) {
	r := NewResolver(setup(t))
	tests := []struct {
		user     string
		role     calendar.Role
		owner    bool
		canRead  bool
		canWrite bool
	}{
		{user: "owner", role: calendar.RoleOwner, owner: true, canRead: true, canWrite: true},
		{user: "editor", role: calendar.RoleEditor, canRead: true, canWrite: true},
		{user: "viewer", role: calendar.RoleViewer, canRead: true},
		{user: "invited", role: calendar.RoleNone},
		{user: "declined", role: calendar.RoleNone},
		{user: "stranger", role: calendar.RoleNone},
		{user: "", role: calendar.RoleNone},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			a, err := r.Resolve(context.Background(), "cal", tt.user)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !a.Found() || a.Calendar.ID != "cal" {
				t.Fatalf("calendar not attached: %+v", a)
			}
			if a.Role != tt.role || a.IsOwner != tt.owner {
				t.Fatalf("got role=%v owner=%v, want %v %v", a.Role, a.IsOwner, tt.role, tt.owner)
			}
			if a.CanRead() != tt.canRead || a.CanWrite() != tt.canWrite {
				t.Fatalf("CanRead=%v CanWrite=%v", a.CanRead(), a.CanWrite())
			}
		})
	}
}

func TestResolveMissingCalendar(t *testing.T) {
	r := NewResolver(setup(t))
	a, err := r.Resolve(context.Background(), "gone", "owner")
	if err != nil {
		t.Fatalf("missing calendar is not an error: %v", err)
	}
	if a.Found() || a.Role != calendar.RoleNone || a.IsOwner {
		t.Fatalf("got %+v", a)
	}
}

type brokenSource struct{}

func (brokenSource) GetCalendar(context.Context, string) (calendar.Calendar, error) {
	return calendar.Calendar{}, errors.New("disk on fire")
}

func (brokenSource) GetAcceptedShare(context.Context, string, string) (calendar.Share, bool, error) {
	return calendar.Share{}, false, nil
}

func TestResolveWrapsStoreErrors(t *testing.T) {
	_, err := NewResolver(brokenSource{}).Resolve(context.Background(), "cal", "u")
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
