package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultWindow   = 24 * time.Hour
)

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the parts of cfg that would otherwise fail late, at
// Start or on reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if _, err := durationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	if _, err := ScheduleSpec(cfg.Scheduler.Schedule); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, _, err := cfg.Scheduler.Windows(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Mail.Enabled {
		if strings.TrimSpace(cfg.Mail.Host) == "" {
			errs = append(errs, errors.New("mail.host: required when mail is enabled"))
		}
		if strings.TrimSpace(cfg.Mail.From) == "" {
			errs = append(errs, errors.New("mail.from: required when mail is enabled"))
		}
		if cfg.Mail.Port < 0 || cfg.Mail.Port > 65535 {
			errs = append(errs, fmt.Errorf("mail.port: out of range: %d", cfg.Mail.Port))
		}
	}
	if cfg.Debug.Enabled {
		if err := validateDebugAddr(cfg.Debug); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateDebugAddr(d DebugConfig) error {
	addr := strings.TrimSpace(d.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("debug.addr: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	if strings.TrimSpace(d.Token) == "" {
		return fmt.Errorf("debug.token: required when debug.addr %q is not loopback", addr)
	}
	return nil
}

// ScheduleSpec normalizes scheduler.schedule into a cron spec. A bare Go
// duration becomes "@every <d>".
func ScheduleSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSchedule, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Second {
			return "", fmt.Errorf("scheduler.schedule: interval must be >= 1s, got %s", d)
		}
		s = "@every " + d.String()
	}
	if _, err := scheduleParser.Parse(s); err != nil {
		return "", fmt.Errorf("scheduler.schedule: %w", err)
	}
	return s, nil
}

// Windows returns the reminder lookahead and the start/end lookback.
func (s SchedulerConfig) Windows() (time.Duration, time.Duration, error) {
	ahead, err := durationOr("scheduler.lookahead", s.Lookahead, DefaultWindow)
	if err != nil {
		return 0, 0, err
	}
	back, err := durationOr("scheduler.lookback", s.Lookback, DefaultWindow)
	if err != nil {
		return 0, 0, err
	}
	return ahead, back, nil
}

// Location resolves scheduler.timezone, falling back to time.Local.
func (s SchedulerConfig) Location() *time.Location {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// BusyTimeoutOr parses storage.busy_timeout.
func (s StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, err := durationOr("storage.busy_timeout", s.BusyTimeout, def)
	if err != nil {
		return def
	}
	return d
}

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
