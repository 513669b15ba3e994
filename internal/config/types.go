package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Secrets are normally left empty in the file and supplied through the
// environment; see ApplyEnv.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Mail      MailConfig      `json:"mail"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mails log lines at or above MinLevel to mail.alert_to.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

// StorageConfig selects the store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./calmanage.db" }
type StorageConfig struct {
	Driver      string `json:"driver" env:"CALMANAGE_DB_DRIVER"`
	Path        string `json:"path" env:"CALMANAGE_DB"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the reminder tick.
//
// Schedule accepts a cron expression (optional seconds field), a cron
// descriptor such as "@every 1m", or a bare Go duration ("30s").
// Lookahead and Lookback are Go duration strings; both default to 24h.
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	Lookahead string `json:"lookahead,omitempty"`
	Lookback  string `json:"lookback,omitempty"`
}

// MailConfig controls the outbound email pipeline.
type MailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host" env:"SMTP_HOST"`
	Port     int    `json:"port" env:"SMTP_PORT"`
	Username string `json:"username,omitempty" env:"SMTP_USER"`
	Password string `json:"password,omitempty" env:"SMTP_PASSWORD"`
	From     string `json:"from" env:"MAIL_FROM"`
	AppURL   string `json:"app_url,omitempty" env:"APP_URL"`

	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`

	AlertTo string `json:"alert_to,omitempty" env:"ALERT_TO"`
}

// DebugConfig controls the optional pprof/status HTTP listener. Bind it to
// loopback; a non-loopback Addr requires Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty" env:"CALMANAGE_DEBUG_TOKEN"`
}
