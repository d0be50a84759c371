package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

// MaxReplayWindow is how far back the upstream keeps notifications.
const MaxReplayWindow = 14 * 24 * time.Hour

// Validate checks cfg without touching the network or the filesystem. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if u := strings.TrimSpace(cfg.DNB.BaseURL); u != "" {
		if p, err := url.Parse(u); err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
			check(fmt.Errorf("dnb.base_url: invalid url %q", u))
		}
	}
	dur("dnb.timeout", cfg.DNB.Timeout)
	dur("dnb.token_refresh_buffer", cfg.DNB.TokenRefreshBuffer)

	if cfg.Gate.RatePerSec < 0 {
		check(errors.New("gate.rate_per_sec: must be >= 0"))
	}
	if cfg.Gate.Retries() < 0 {
		check(errors.New("gate.retry_max: must be >= 0"))
	}
	dur("gate.retry_base", cfg.Gate.RetryBase)
	dur("gate.max_delay", cfg.Gate.MaxDelay)
	dur("gate.timeout", cfg.Gate.Timeout)

	if n := cfg.Pull.MaxBatch; n != 0 && (n < 1 || n > 100) {
		check(fmt.Errorf("pull.max_batch: %w: %d not in [1, 100]", domain.ErrInvalidBatchSize, n))
	}
	if cfg.Pull.MaxPages < 0 || cfg.Pull.DedupSize < 0 {
		check(errors.New("pull.max_pages and pull.dedup_size must be >= 0"))
	}
	if w, err := ParseDurationField("pull.replay_window", cfg.Pull.ReplayWindow); err != nil {
		check(err)
	} else if w > MaxReplayWindow {
		check(fmt.Errorf("pull.replay_window: %s exceeds %s", w, MaxReplayWindow))
	}

	for i, ref := range cfg.Monitor.Registrations {
		if err := domain.ValidateReference(ref); err != nil {
			check(fmt.Errorf("monitor.registrations[%d]: %w", i, err))
		}
	}
	dur("monitor.interval", cfg.Monitor.Interval)
	dur("monitor.duration", cfg.Monitor.Duration)
	dur("monitor.max_backoff", cfg.Monitor.MaxBackoff)
	if cfg.Monitor.MaxAuthFailures < 0 {
		check(errors.New("monitor.max_auth_failures: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "none":
	case "file", "sqlite", "sqlite3", "badger":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	for _, t := range cfg.Delivery.CriticalTypes {
		if _, err := domain.ParseNotificationType(t); err != nil {
			check(fmt.Errorf("delivery.critical_types: %w", err))
		}
	}
	dur("delivery.sink_timeout", cfg.Delivery.SinkTimeout)
	if cfg.Delivery.Concurrency < 0 {
		check(errors.New("delivery.concurrency: must be >= 0"))
	}
	errs = append(errs, validateSinks(cfg.Delivery.Sinks)...)

	if in := cfg.Input; in.Enabled {
		if strings.TrimSpace(in.Path) == "" {
			check(errors.New("input.path: required when input is enabled"))
		}
		if err := domain.ValidateReference(in.Registration); err != nil {
			check(fmt.Errorf("input.registration: %w", err))
		}
		dur("input.interval", in.Interval)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		check(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path: required when file logging is enabled"))
	}
	dur("ops.read_timeout", cfg.Ops.ReadTimeout)

	return errors.Join(errs...)
}

func validateSinks(s SinksConfig) []error {
	var errs []error
	req := func(path, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s: required", path))
		}
	}
	layout := func(path string, l LayoutConfig) {
		switch l.Format {
		case "", "json", "csv":
		default:
			errs = append(errs, fmt.Errorf("%s.format: unsupported %q", path, l.Format))
		}
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c := s.File; c != nil && c.Enabled {
		req("delivery.sinks.file.base_path", c.BasePath)
		layout("delivery.sinks.file", c.LayoutConfig)
	}
	if c := s.SFTP; c != nil && c.Enabled {
		req("delivery.sinks.sftp.host", c.Host)
		req("delivery.sinks.sftp.username", c.Username)
		if c.Password == "" && c.PrivateKeyPath == "" {
			errs = append(errs, errors.New("delivery.sinks.sftp: password or private_key_path required"))
		}
		if c.Port < 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("delivery.sinks.sftp.port: %d out of range", c.Port))
		}
		dur("delivery.sinks.sftp.timeout", c.Timeout)
		layout("delivery.sinks.sftp", c.LayoutConfig)
	}
	if c := s.HubSpot; c != nil && c.Enabled {
		req("delivery.sinks.hubspot.token", c.Token)
		dur("delivery.sinks.hubspot.timeout", c.Timeout)
	}
	if c := s.SQL; c != nil && c.Enabled {
		switch c.Driver {
		case "sqlite", "pgx":
		default:
			errs = append(errs, fmt.Errorf("delivery.sinks.sql.driver: unsupported %q (sqlite or pgx)", c.Driver))
		}
		req("delivery.sinks.sql.dsn", c.DSN)
	}
	if c := s.Kafka; c != nil && c.Enabled {
		if len(c.Brokers) == 0 {
			errs = append(errs, errors.New("delivery.sinks.kafka.brokers: required"))
		}
		req("delivery.sinks.kafka.topic", c.Topic)
		dur("delivery.sinks.kafka.linger", c.Linger)
	}
	if c := s.Telegram; c != nil && c.Enabled {
		req("delivery.sinks.telegram.token", c.Token)
		if c.ChatID == 0 {
			errs = append(errs, errors.New("delivery.sinks.telegram.chat_id: required"))
		}
	}
	if c := s.Email; c != nil && c.Enabled {
		req("delivery.sinks.email.host", c.Host)
		req("delivery.sinks.email.from", c.From)
		if len(c.To) == 0 {
			errs = append(errs, errors.New("delivery.sinks.email.to: at least one recipient required"))
		}
		if c.Port < 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("delivery.sinks.email.port: %d out of range", c.Port))
		}
		switch c.TLS {
		case "", "starttls", "ssl", "none":
		default:
			errs = append(errs, fmt.Errorf("delivery.sinks.email.tls: unsupported %q (starttls, ssl or none)", c.TLS))
		}
		switch c.Mode {
		case "", "summary", "individual":
		default:
			errs = append(errs, fmt.Errorf("delivery.sinks.email.mode: unsupported %q (summary or individual)", c.Mode))
		}
		if c.MaxPerEmail < 0 {
			errs = append(errs, errors.New("delivery.sinks.email.max_per_email: must be >= 0"))
		}
		dur("delivery.sinks.email.timeout", c.Timeout)
	}
	return errs
}
