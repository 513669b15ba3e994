package app

import (
	"time"

	"calmanage/internal/config"
	"calmanage/internal/mail"
	"calmanage/internal/observability/debug"
	"calmanage/internal/reminder"
	"calmanage/internal/storage"
	logx "calmanage/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerMin: cfg.Logging.Alert.RatePerMin,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOr(5 * time.Second),
	}
}

func mapMailConfig(cfg *config.Config) mail.Config {
	return mail.Config{
		Enabled:    cfg.Mail.Enabled,
		Workers:    cfg.Mail.Workers,
		QueueSize:  cfg.Mail.QueueSize,
		RatePerSec: cfg.Mail.RatePerSec,
	}
}

// mapMailSender returns nil when mail is disabled.
func mapMailSender(cfg *config.Config) (mail.Sender, error) {
	if !cfg.Mail.Enabled {
		return nil, nil
	}
	s, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	spec, err := config.ScheduleSpec(cfg.Scheduler.Schedule)
	if err != nil {
		return reminder.Config{}, err
	}
	if err := reminder.Validate(spec); err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Schedule: spec,
		Location: cfg.Scheduler.Location(),
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    cfg.Debug.Addr,
		Token:   cfg.Debug.Token,
	}
}
