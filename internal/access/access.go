// Package access resolves a user's effective role on a calendar.
package access

import (
	"context"
	"errors"
	"fmt"

	"calmanage/internal/calendar"
	"calmanage/internal/storage"
)

// Access is the result of a role lookup. Calendar is nil when the calendar
// does not exist, which callers report as not-found rather than forbidden.
type Access struct {
	Calendar *calendar.Calendar
	Role     calendar.Role
	IsOwner  bool
}

func (a Access) Found() bool    { return a.Calendar != nil }
func (a Access) CanRead() bool  { return a.Role >= calendar.RoleViewer }
func (a Access) CanWrite() bool { return a.Role >= calendar.RoleEditor }

// Source is the slice of the store the resolver reads.
type Source interface {
	GetCalendar(ctx context.Context, id string) (calendar.Calendar, error)
	GetAcceptedShare(ctx context.Context, calendarID, userID string) (calendar.Share, bool, error)
}

type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve applies owner > editor > viewer > none. Only accepted shares count.
func (r *Resolver) Resolve(ctx context.Context, calendarID, userID string) (Access, error) {
	cal, err := r.src.GetCalendar(ctx, calendarID)
	if errors.Is(err, storage.ErrNotFound) {
		return Access{Role: calendar.RoleNone}, nil
	}
	if err != nil {
		return Access{}, fmt.Errorf("resolve access: %w", err)
	}

	if userID != "" && userID == cal.OwnerID {
		return Access{Calendar: &cal, Role: calendar.RoleOwner, IsOwner: true}, nil
	}

	share, ok, err := r.src.GetAcceptedShare(ctx, calendarID, userID)
	if err != nil {
		return Access{}, fmt.Errorf("resolve access: %w", err)
	}
	role := calendar.RoleNone
	if ok {
		role = share.Role
	}
	return Access{Calendar: &cal, Role: role}, nil
}
