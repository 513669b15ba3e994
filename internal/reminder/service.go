package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "calmanage/pkg/logx"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule ticks once a minute.
const DefaultSchedule = "@every 1m"

// Config drives the trigger. Schedule is a cron expression, a descriptor
// such as "@hourly" or "@every 30s".
type Config struct {
	Enabled  bool
	Schedule string
	Location *time.Location
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service owns the cron trigger that calls Scheduler.Tick. Ticks never
// overlap: a trigger that fires while a tick runs is skipped.
type Service struct {
	sched *Scheduler
	log   logx.Logger

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	entry  cron.EntryID
	parent context.Context
	runCtx context.Context
	cancel context.CancelFunc
}

func NewService(cfg Config, sched *Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: normalize(cfg), sched: sched, log: log}
}

func normalize(cfg Config) Config {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return cfg
}

// Validate reports whether spec can drive the trigger.
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the tick and starts the trigger. It is idempotent and a
// no-op when disabled. ctx bounds every tick.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parent = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	runCtx, cancel := context.WithCancel(s.parent)
	id, err := c.AddFunc(s.cfg.Schedule, func() { s.sched.Tick(runCtx) })
	if err != nil {
		cancel()
		return fmt.Errorf("register tick: %w", err)
	}
	c.Start()
	s.c, s.entry, s.runCtx, s.cancel = c, id, runCtx, cancel
	s.log.Info("scheduler started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", s.cfg.Location.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

// Stop halts the trigger and waits for a running tick until ctx ends,
// after which the tick's context is cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopAndWait(ctx, c, cancel)
	s.log.Info("scheduler stopped")
}

func stopAndWait(ctx context.Context, c *cron.Cron, cancel context.CancelFunc) {
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()
}

// Apply swaps in cfg, restarting the trigger when the schedule, zone or
// enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	cfg = normalize(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.parent == nil {
		return nil
	}
	running := s.c != nil
	if running == cfg.Enabled && old.Schedule == cfg.Schedule && old.Location.String() == cfg.Location.String() {
		return nil
	}
	if running {
		// a tick in flight finishes against the old trigger
		go stopAndWait(context.Background(), s.c, s.cancel)
		s.c, s.cancel = nil, nil
	}
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

// Next is the next trigger time, or zero when not running.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// RunOnce executes a single tick synchronously, bypassing the trigger.
func (s *Service) RunOnce(ctx context.Context) TickReport {
	return s.sched.tick(ctx)
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
