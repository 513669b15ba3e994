package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"calmanage/internal/calendar"
	logx "calmanage/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers; callers must not hold rows open
	// while issuing another query.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite foreign keys are disabled")
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *sqliteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	rollbackWith := func(cause error) error {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback %s: %v", cause, op, rbErr)
		}
		return cause
	}
	if err := fn(tx); err != nil {
		return rollbackWith(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

// ---- users / calendars / shares ----

func (s *sqliteStore) PutUser(ctx context.Context, u calendar.User) error {
	if u.ID == "" {
		return fmt.Errorf("put user: id is required")
	}
	var pref any
	if u.EmailNotifications != nil {
		pref = boolInt(*u.EmailNotifications)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, name, email, email_notifications) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, email_notifications = excluded.email_notifications`,
		u.ID, u.Name, u.Email, pref)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func scanUser(scan func(dest ...any) error) (calendar.User, error) {
	var (
		u    calendar.User
		pref sql.NullInt64
	)
	if err := scan(&u.ID, &u.Name, &u.Email, &pref); err != nil {
		return calendar.User{}, err
	}
	if pref.Valid {
		on := pref.Int64 != 0
		u.EmailNotifications = &on
	}
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (calendar.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, email, email_notifications FROM users WHERE id = ?`, id)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.User{}, ErrNotFound
	}
	if err != nil {
		return calendar.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *sqliteStore) GetUsers(ctx context.Context, ids []string) (map[string]calendar.User, error) {
	out := make(map[string]calendar.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, email_notifications FROM users WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutCalendar(ctx context.Context, c calendar.Calendar) error {
	if c.ID == "" || c.OwnerID == "" {
		return fmt.Errorf("put calendar: id and owner are required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO calendars (id, owner_id, name) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name WHERE calendars.owner_id = excluded.owner_id`,
		c.ID, c.OwnerID, c.Name)
	if err != nil {
		return fmt.Errorf("put calendar: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("put calendar %s: owner is immutable", c.ID)
	}
	return nil
}

func (s *sqliteStore) GetCalendar(ctx context.Context, id string) (calendar.Calendar, error) {
	var c calendar.Calendar
	err := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name FROM calendars WHERE id = ?`, id).
		Scan(&c.ID, &c.OwnerID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Calendar{}, ErrNotFound
	}
	if err != nil {
		return calendar.Calendar{}, fmt.Errorf("get calendar: %w", err)
	}
	return c, nil
}

func calendarExists(ctx context.Context, q queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM calendars WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("calendar %s: %w", id, ErrNotFound)
	}
	return err
}

func (s *sqliteStore) PutShare(ctx context.Context, sh calendar.Share) error {
	if err := calendarExists(ctx, s.db, sh.CalendarID); err != nil {
		return fmt.Errorf("put share: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO calendar_shares (calendar_id, user_id, role, status) VALUES (?, ?, ?, ?)
ON CONFLICT(calendar_id, user_id) DO UPDATE SET role = excluded.role, status = excluded.status`,
		sh.CalendarID, sh.UserID, sh.Role.String(), string(sh.Status))
	if err != nil {
		return fmt.Errorf("put share: %w", err)
	}
	return nil
}

func scanShare(scan func(dest ...any) error) (calendar.Share, error) {
	var (
		sh     calendar.Share
		role   string
		status string
	)
	if err := scan(&sh.CalendarID, &sh.UserID, &role, &status); err != nil {
		return calendar.Share{}, err
	}
	sh.Role, _ = calendar.ParseShareRole(role)
	sh.Status = calendar.ShareStatus(status)
	return sh, nil
}

func (s *sqliteStore) GetAcceptedShare(ctx context.Context, calendarID, userID string) (calendar.Share, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT calendar_id, user_id, role, status FROM calendar_shares
WHERE calendar_id = ? AND user_id = ? AND status = ?`,
		calendarID, userID, string(calendar.ShareAccepted))
	sh, err := scanShare(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return calendar.Share{}, false, nil
	}
	if err != nil {
		return calendar.Share{}, false, fmt.Errorf("get share: %w", err)
	}
	return sh, true, nil
}

func (s *sqliteStore) ListAcceptedShares(ctx context.Context, calendarID string) ([]calendar.Share, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT calendar_id, user_id, role, status FROM calendar_shares
WHERE calendar_id = ? AND status = ? ORDER BY user_id`,
		calendarID, string(calendar.ShareAccepted))
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()
	var out []calendar.Share
	for rows.Next() {
		sh, err := scanShare(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ---- events ----

const eventColumns = `id, calendar_id, creator_id, title, description, location, start_at, end_at,
all_day, recurrence, start_notified, end_notified, created_at, updated_at`

func scanEvent(scan func(dest ...any) error) (calendar.Event, error) {
	var (
		e                    calendar.Event
		start, end           int64
		created, updated     int64
		allDay, sNote, eNote int
	)
	if err := scan(&e.ID, &e.CalendarID, &e.CreatorID, &e.Title, &e.Description, &e.Location,
		&start, &end, &allDay, &e.Recurrence, &sNote, &eNote, &created, &updated); err != nil {
		return calendar.Event{}, err
	}
	e.Start = fromMillis(start)
	e.End = fromMillis(end)
	e.AllDay = allDay != 0
	e.StartNotice = calendar.LatchFrom(sNote != 0)
	e.EndNotice = calendar.LatchFrom(eNote != 0)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

// loadEvents runs an event query, closes its rows, then attaches reminders.
func loadEvents(ctx context.Context, q queryer, query string, args ...any) ([]calendar.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var events []calendar.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := attachReminders(ctx, q, events); err != nil {
		return nil, err
	}
	return events, nil
}

func attachReminders(ctx context.Context, q queryer, events []calendar.Event) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, len(events))
	index := make(map[string]int, len(events))
	for i, e := range events {
		ids[i] = e.ID
		index[e.ID] = i
	}
	rows, err := q.QueryContext(ctx, `
SELECT id, event_id, offset_minutes, sent FROM event_reminders
WHERE event_id IN (`+placeholders(len(ids))+`) ORDER BY event_id, position`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("load reminders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r       calendar.Reminder
			eventID string
			sent    int
		)
		if err := rows.Scan(&r.ID, &eventID, &r.OffsetMinutes, &sent); err != nil {
			return fmt.Errorf("scan reminder: %w", err)
		}
		r.Sent = calendar.LatchFrom(sent != 0)
		if i, ok := index[eventID]; ok {
			events[i].Reminders = append(events[i].Reminders, r)
		}
	}
	return rows.Err()
}

func getEvent(ctx context.Context, q queryer, id string) (calendar.Event, error) {
	events, err := loadEvents(ctx, q, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("get event: %w", err)
	}
	if len(events) == 0 {
		return calendar.Event{}, ErrNotFound
	}
	return events[0], nil
}

func insertReminders(ctx context.Context, q queryer, eventID string, rs []calendar.Reminder) error {
	for i, r := range rs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO event_reminders (id, event_id, position, offset_minutes, sent) VALUES (?, ?, ?, ?, ?)`,
			r.ID, eventID, i, r.OffsetMinutes, boolInt(r.Sent.Fired())); err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) CreateEvent(ctx context.Context, e *calendar.Event) error {
	if e == nil {
		return fmt.Errorf("create event: nil event")
	}
	if e.ID == "" {
		e.ID = newID()
	}
	for i := range e.Reminders {
		if e.Reminders[i].ID == "" {
			e.Reminders[i].ID = newID()
		}
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	return s.withTx(ctx, "create event", func(tx *sql.Tx) error {
		if err := calendarExists(ctx, tx, e.CalendarID); err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CalendarID, e.CreatorID, e.Title, e.Description, e.Location,
			toMillis(e.Start), toMillis(e.End), boolInt(e.AllDay), e.Recurrence,
			boolInt(e.StartNotice.Fired()), boolInt(e.EndNotice.Fired()),
			toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		return insertReminders(ctx, tx, e.ID, e.Reminders)
	})
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (calendar.Event, error) {
	return getEvent(ctx, s.db, id)
}

func (s *sqliteStore) ListEventsByCalendar(ctx context.Context, calendarID string) ([]calendar.Event, error) {
	events, err := loadEvents(ctx, s.db,
		`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? ORDER BY start_at, id`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *sqliteStore) UpdateEvent(ctx context.Context, id string, u EventUpdate) (calendar.Event, error) {
	sets := []string{"updated_at = ?"}
	args := []any{toMillis(orNow(u.UpdatedAt))}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Title != nil {
		add("title", *u.Title)
	}
	if u.Description != nil {
		add("description", *u.Description)
	}
	if u.Location != nil {
		add("location", *u.Location)
	}
	if u.Start != nil {
		add("start_at", toMillis(*u.Start))
	}
	if u.End != nil {
		add("end_at", toMillis(*u.End))
	}
	if u.AllDay != nil {
		add("all_day", boolInt(*u.AllDay))
	}
	if u.Recurrence != nil {
		add("recurrence", *u.Recurrence)
	}
	args = append(args, id)

	var out calendar.Event
	err := s.withTx(ctx, "update event", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		if u.Reminders != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM event_reminders WHERE event_id = ?`, id); err != nil {
				return fmt.Errorf("replace reminders: %w", err)
			}
			if err := insertReminders(ctx, tx, id, freshReminders(*u.Reminders)); err != nil {
				return err
			}
		}
		out, err = getEvent(ctx, tx, id)
		return err
	})
	if err != nil {
		return calendar.Event{}, err
	}
	return out, nil
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListPendingReminders(ctx context.Context, from, to time.Time) ([]calendar.Event, error) {
	events, err := loadEvents(ctx, s.db, `
SELECT `+eventColumns+` FROM events e
WHERE e.start_at BETWEEN ? AND ?
  AND EXISTS (SELECT 1 FROM event_reminders r WHERE r.event_id = e.id AND r.sent = 0)
ORDER BY e.start_at, e.id`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("list pending reminders: %w", err)
	}
	return events, nil
}

func (s *sqliteStore) ListPendingStarts(ctx context.Context, from, to time.Time) ([]calendar.Event, error) {
	events, err := loadEvents(ctx, s.db, `
SELECT `+eventColumns+` FROM events
WHERE start_notified = 0 AND start_at BETWEEN ? AND ?
ORDER BY start_at, id`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("list pending starts: %w", err)
	}
	return events, nil
}

func (s *sqliteStore) ListPendingEnds(ctx context.Context, from, to time.Time) ([]calendar.Event, error) {
	events, err := loadEvents(ctx, s.db, `
SELECT `+eventColumns+` FROM events
WHERE end_notified = 0 AND end_at BETWEEN ? AND ?
ORDER BY end_at, id`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("list pending ends: %w", err)
	}
	return events, nil
}

func (s *sqliteStore) FireTransition(ctx context.Context, ref LatchRef, notes []calendar.Notification) (bool, error) {
	var (
		query string
		args  []any
	)
	switch ref.Transition {
	case calendar.TransitionStart:
		query, args = `UPDATE events SET start_notified = 1 WHERE id = ? AND start_notified = 0`, []any{ref.EventID}
	case calendar.TransitionEnd:
		query, args = `UPDATE events SET end_notified = 1 WHERE id = ? AND end_notified = 0`, []any{ref.EventID}
	case calendar.TransitionReminder:
		query, args = `UPDATE event_reminders SET sent = 1 WHERE id = ? AND event_id = ? AND sent = 0`, []any{ref.ReminderID, ref.EventID}
	default:
		return false, fmt.Errorf("fire transition: unknown transition %q", ref.Transition)
	}

	fired := false
	err := s.withTx(ctx, "fire transition", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("fire %s: %w", ref.Transition, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return latchMissing(ctx, tx, ref)
		}
		fired = true
		return insertNotifications(ctx, tx, notes)
	})
	if err != nil {
		return false, err
	}
	return fired, nil
}

// latchMissing distinguishes "already fired" (nil) from a missing row.
func latchMissing(ctx context.Context, q queryer, ref LatchRef) error {
	query, arg := `SELECT 1 FROM events WHERE id = ?`, ref.EventID
	if ref.Transition == calendar.TransitionReminder {
		query, arg = `SELECT 1 FROM event_reminders WHERE id = ?`, ref.ReminderID
	}
	var one int
	err := q.QueryRowContext(ctx, query, arg).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---- notifications / activities ----

func insertNotifications(ctx context.Context, q queryer, notes []calendar.Notification) error {
	for _, n := range notes {
		if n.ID == "" {
			n.ID = newID()
		}
		if _, err := q.ExecContext(ctx, `
INSERT INTO notifications (id, user_id, message, type, related_id, is_read, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.UserID, n.Message, string(n.Type), n.RelatedID, boolInt(n.IsRead), toMillis(orNow(n.CreatedAt))); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) InsertNotifications(ctx context.Context, notes []calendar.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	return s.withTx(ctx, "insert notifications", func(tx *sql.Tx) error {
		return insertNotifications(ctx, tx, notes)
	})
}

func (s *sqliteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]calendar.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, message, type, related_id, is_read, created_at FROM notifications
WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []calendar.Notification
	for rows.Next() {
		var (
			n       calendar.Notification
			typ     string
			read    int
			created int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &typ, &n.RelatedID, &read, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = calendar.NotificationType(typ)
		n.IsRead = read != 0
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) MarkNotificationRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) DeleteNotification(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) InsertActivities(ctx context.Context, acts []calendar.Activity) error {
	if len(acts) == 0 {
		return nil
	}
	return s.withTx(ctx, "insert activities", func(tx *sql.Tx) error {
		for _, a := range acts {
			if a.ID == "" {
				a.ID = newID()
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO activities (id, user_id, action, target, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				a.ID, a.UserID, string(a.Action), a.Target, a.Details, toMillis(orNow(a.CreatedAt))); err != nil {
				return fmt.Errorf("insert activity: %w", err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) ListActivities(ctx context.Context, userID string, limit int) ([]calendar.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, action, target, details, created_at FROM activities
WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	var out []calendar.Activity
	for rows.Next() {
		var (
			a       calendar.Activity
			action  string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &action, &a.Target, &a.Details, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Action = calendar.Action(action)
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
