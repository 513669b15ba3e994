// Package inbox is the per-user read side of notifications and activity.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"calmanage/internal/calendar"
	"calmanage/internal/storage"
	logx "calmanage/pkg/logx"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var ErrNotFound = errors.New("notification not found")

type Store interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]calendar.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, userID, id string) error
	ListActivities(ctx context.Context, userID string, limit int) ([]calendar.Activity, error)
}

type Service struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log}
}

func clamp(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// List returns the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]calendar.Notification, error) {
	out, err := s.store.ListNotifications(ctx, userID, clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkRead flags one notification. Notifications of other users are
// reported as not found.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.mapErr("mark read", s.store.MarkNotificationRead(ctx, userID, id))
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	s.log.Debug("notifications marked read", logx.String("user", userID), logx.Int("count", n))
	return n, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	return s.mapErr("delete notification", s.store.DeleteNotification(ctx, userID, id))
}

// Activities returns the user's audit trail, newest first.
func (s *Service) Activities(ctx context.Context, userID string, limit int) ([]calendar.Activity, error) {
	out, err := s.store.ListActivities(ctx, userID, clamp(limit))
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return out, nil
}

func (s *Service) mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
