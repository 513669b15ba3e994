// Package dispatch computes who hears about a calendar's events and hands
// lifecycle emails to the mail pipeline without waiting for delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"calmanage/internal/calendar"
	"calmanage/internal/mail"
	"calmanage/internal/render"
	logx "calmanage/pkg/logx"
)

// ErrTransient marks a per-recipient email failure. It is logged, never
// returned to callers and never retried.
var ErrTransient = errors.New("transient dispatch failure")

// Directory is the read side of the store the dispatcher needs.
type Directory interface {
	GetUsers(ctx context.Context, ids []string) (map[string]calendar.User, error)
	ListAcceptedShares(ctx context.Context, calendarID string) ([]calendar.Share, error)
}

// Mailer accepts messages for asynchronous delivery.
type Mailer interface {
	Enabled() bool
	Enqueue(ctx context.Context, m mail.Message) error
}

type Dispatcher struct {
	dir      Directory
	mailer   Mailer
	renderer *render.Renderer
	log      logx.Logger
	now      func() time.Time
}

// New returns a Dispatcher. mailer may be nil, in which case no email is sent.
func New(dir Directory, mailer Mailer, renderer *render.Renderer, log logx.Logger, now func() time.Time) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	if renderer == nil {
		renderer = render.New("", time.UTC)
	}
	return &Dispatcher{dir: dir, mailer: mailer, renderer: renderer, log: log, now: now}
}

// Audience is the owner followed by every user holding an accepted share,
// each listed once. It is recomputed on every call.
func (d *Dispatcher) Audience(ctx context.Context, cal calendar.Calendar) ([]string, error) {
	shares, err := d.dir.ListAcceptedShares(ctx, cal.ID)
	if err != nil {
		return nil, fmt.Errorf("audience %s: %w", cal.ID, err)
	}
	out := make([]string, 0, len(shares)+1)
	seen := make(map[string]struct{}, len(shares)+1)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(cal.OwnerID)
	for _, s := range shares {
		if s.Status == calendar.ShareAccepted {
			add(s.UserID)
		}
	}
	return out, nil
}

// RecipientSet is the audience narrowed to users who have an email address
// and have not opted out, de-duplicated by address.
func (d *Dispatcher) RecipientSet(ctx context.Context, cal calendar.Calendar) ([]string, error) {
	ids, err := d.Audience(ctx, cal)
	if err != nil {
		return nil, err
	}
	users, err := d.dir.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("recipients %s: %w", cal.ID, err)
	}
	var out []string
	seen := map[string]struct{}{}
	for _, id := range ids {
		u, ok := users[id]
		if !ok || !u.WantsEmail() {
			continue
		}
		addr := strings.TrimSpace(u.Email)
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// Send queues one copy of msg per recipient and returns how many were
// accepted. Failures are logged per recipient and do not affect the others.
func (d *Dispatcher) Send(ctx context.Context, recipients []string, msg mail.Message) int {
	if d.mailer == nil || !d.mailer.Enabled() {
		d.log.Debug("mail disabled, skipping dispatch", logx.String("subject", msg.Subject), logx.Int("recipients", len(recipients)))
		return 0
	}
	queued := 0
	for _, to := range recipients {
		m := msg
		m.To = to
		if err := d.mailer.Enqueue(ctx, m); err != nil {
			d.log.Warn("email dispatch failed",
				logx.String("to", to),
				logx.String("subject", msg.Subject),
				logx.Err(fmt.Errorf("%w: %w", ErrTransient, err)),
			)
			continue
		}
		queued++
	}
	return queued
}

// NotifyTransition renders the start or end email for e and queues it for
// every eligible recipient. It returns the number of queued messages.
func (d *Dispatcher) NotifyTransition(ctx context.Context, cal calendar.Calendar, e calendar.Event, kind calendar.Transition) (int, error) {
	if d.mailer == nil || !d.mailer.Enabled() {
		return 0, nil
	}
	recipients, err := d.RecipientSet(ctx, cal)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		return 0, nil
	}
	msg, err := d.renderer.Transition(cal, e, kind, d.now())
	if err != nil {
		return 0, err
	}
	return d.Send(ctx, recipients, msg), nil
}
