package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data.db
scheduler:
  enabled: true
  schedule: 30s
  lookahead: 2h
mail:
  enabled: true
  host: smtp.example.com
  port: 587
  from: noreply@example.com
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("calmanage.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging not decoded: %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Mail.Port != 587 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{name: "unknown json key", file: "c.json", data: `{"mail":{"hostname":"x"}}`},
		{name: "unknown yaml key", file: "c.yml", data: "telegram:\n  token: x\n"},
		{name: "trailing json", file: "c.json", data: `{} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatalf("expected error for %q", tt.data)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("empty.yaml", []byte(""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Scheduler.Enabled {
		t.Fatalf("expected zero config")
	}
}

func TestApplyEnvOverridesOnlySetVars(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Storage: StorageConfig{Driver: "sqlite", Path: "./file.db"},
		Mail:    MailConfig{Host: "file-host", Port: 25, From: "file@example.com"},
	}
	err := ApplyEnv(cfg, map[string]string{
		"SMTP_HOST":     "env-host",
		"SMTP_PORT":     "2525",
		"SMTP_PASSWORD": "secret",
		"CALMANAGE_DB":  "/var/lib/calmanage.db",
	})
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Mail.Host != "env-host" || cfg.Mail.Port != 2525 || cfg.Mail.Password != "secret" {
		t.Fatalf("mail not overridden: %+v", cfg.Mail)
	}
	if cfg.Mail.From != "file@example.com" {
		t.Fatalf("unset env var replaced file value: %q", cfg.Mail.From)
	}
	if cfg.Storage.Path != "/var/lib/calmanage.db" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
}

func TestApplyEnvBadPort(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if err := ApplyEnv(cfg, map[string]string{"SMTP_PORT": "not-a-number"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduleSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: DefaultSchedule},
		{raw: "30s", want: "@every 30s"},
		{raw: "*/5 * * * *", want: "*/5 * * * *"},
		{raw: "0 */1 * * * *", want: "0 */1 * * * *"},
		{raw: "@hourly", want: "@hourly"},
		{raw: "100ms", wantErr: true},
		{raw: "whenever", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ScheduleSpec(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ScheduleSpec(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ScheduleSpec(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ScheduleSpec(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestSchedulerWindows(t *testing.T) {
	t.Parallel()
	ahead, back, err := SchedulerConfig{Lookahead: "2h"}.Windows()
	if err != nil {
		t.Fatalf("Windows: %v", err)
	}
	if ahead != 2*time.Hour || back != DefaultWindow {
		t.Fatalf("ahead=%v back=%v", ahead, back)
	}
	if _, _, err := (SchedulerConfig{Lookback: "-1h"}).Windows(); err == nil {
		t.Fatal("expected negative lookback error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := &Config{
		Storage:   StorageConfig{Driver: "sqlite"},
		Scheduler: SchedulerConfig{Enabled: true, Schedule: "@every 1m", Timezone: "UTC"},
		Mail:      MailConfig{Enabled: true, Host: "smtp", Port: 587, From: "a@b.c"},
	}
	if err := Validate(good); err != nil {
		t.Fatalf("Validate(good): %v", err)
	}

	bad := &Config{
		Storage:   StorageConfig{Driver: "postgres"},
		Scheduler: SchedulerConfig{Schedule: "nope", Timezone: "Mars/Olympus"},
		Mail:      MailConfig{Enabled: true},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"storage.driver", "scheduler.schedule", "scheduler.timezone", "mail.host", "mail.from"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "calmanage.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{"MAIL_FROM": "env@example.com"})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
	if cfg.Mail.From != "env@example.com" {
		t.Fatalf("env overlay not applied: %q", cfg.Mail.From)
	}
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"mysql"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetEnviron(map[string]string{})
	if _, err := m.Load(); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Get() != nil {
		t.Fatal("invalid config must not be committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first := &Config{Logging: LoggingConfig{Level: "info"}}
	second := &Config{Logging: LoggingConfig{Level: "debug"}}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatalf("got %+v, want newest", got)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Mail: MailConfig{Host: "a"}}
	newCfg := &Config{Mail: MailConfig{Host: "b", Password: "x"}, Scheduler: SchedulerConfig{Enabled: true}}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "mail,scheduler" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestValidateDebugAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     DebugConfig
		wantErr bool
	}{
		{name: "default addr", cfg: DebugConfig{Enabled: true}},
		{name: "loopback", cfg: DebugConfig{Enabled: true, Addr: "127.0.0.1:6060"}},
		{name: "localhost", cfg: DebugConfig{Enabled: true, Addr: "localhost:6060"}},
		{name: "public without token", cfg: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}, wantErr: true},
		{name: "public with token", cfg: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "s3cret"}},
		{name: "no port", cfg: DebugConfig{Enabled: true, Addr: "localhost"}, wantErr: true},
		{name: "disabled ignores addr", cfg: DebugConfig{Addr: "bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&Config{Debug: tt.cfg})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%+v) err=%v wantErr=%v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}
