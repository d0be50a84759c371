package app

import (
	"fmt"
	"strings"
	"time"

	"dnbwatch/internal/auth"
	"dnbwatch/internal/config"
	"dnbwatch/internal/delivery"
	"dnbwatch/internal/dnb"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/gate"
	"dnbwatch/internal/ingest"
	"dnbwatch/internal/ops"
	"dnbwatch/internal/pull"
	"dnbwatch/internal/scheduler"
	"dnbwatch/internal/storage"
	logx "dnbwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAuth(cfg *config.Config) (auth.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dnb.timeout", cfg.DNB.Timeout, 30*time.Second)
	if err != nil {
		return auth.Config{}, err
	}
	buffer, err := config.ParseDurationOrDefault("dnb.token_refresh_buffer", cfg.DNB.TokenRefreshBuffer, 5*time.Minute)
	if err != nil {
		return auth.Config{}, err
	}
	return auth.Config{
		BaseURL:       baseURL(cfg),
		ClientID:      strings.TrimSpace(cfg.DNB.ClientID),
		ClientSecret:  cfg.DNB.ClientSecret,
		RefreshBuffer: buffer,
		Timeout:       timeout,
	}, nil
}

func baseURL(cfg *config.Config) string {
	if u := strings.TrimSpace(cfg.DNB.BaseURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	return dnb.DefaultBaseURL
}

func mapGate(cfg *config.Config) (gate.Config, error) {
	g := cfg.Gate
	base, err := config.ParseDurationOrDefault("gate.retry_base", g.RetryBase, time.Second)
	if err != nil {
		return gate.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("gate.max_delay", g.MaxDelay, time.Minute)
	if err != nil {
		return gate.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("gate.timeout", g.Timeout, 30*time.Second)
	if err != nil {
		return gate.Config{}, err
	}
	return gate.Config{
		RatePerSec: g.RatePerSec,
		RetryMax:   g.Retries(),
		RetryBase:  base,
		MaxDelay:   maxDelay,
		Timeout:    timeout,
	}, nil
}

func mapPull(cfg *config.Config) (pull.Config, error) {
	window, err := config.ParseDurationOrDefault("pull.replay_window", cfg.Pull.ReplayWindow, pull.DefaultReplayWindow)
	if err != nil {
		return pull.Config{}, err
	}
	return pull.Config{
		MaxPages:     cfg.Pull.MaxPages,
		ReplayWindow: window,
		DedupSize:    cfg.Pull.DedupSize,
	}, nil
}

func mapInput(cfg *config.Config) (ingest.Config, error) {
	in := cfg.Input
	interval, err := config.ParseDurationOrDefault("input.interval", in.Interval, ingest.DefaultInterval)
	if err != nil {
		return ingest.Config{}, err
	}
	return ingest.Config{
		Registration: strings.TrimSpace(in.Registration),
		Path:         in.Path,
		ArchivePath:  in.ArchivePath,
		KeepFiles:    in.KeepFiles,
		SkipZip:      in.SkipZip,
		Interval:     interval,
	}, nil
}

// maxBatch is the configured page size, or the default when unset.
func maxBatch(cfg *config.Config) int {
	if cfg.Pull.MaxBatch > 0 {
		return cfg.Pull.MaxBatch
	}
	return scheduler.DefaultMaxBatch
}

// MonitorOverrides replace configured monitor settings for one run. Zero
// values keep the configured value.
type MonitorOverrides struct {
	Registrations []string
	MaxBatch      int
	Interval      time.Duration
	Schedule      string
	Duration      time.Duration
}

func mapMonitor(cfg *config.Config, o MonitorOverrides) (scheduler.Config, error) {
	m := cfg.Monitor
	interval, err := config.ParseDurationOrDefault("monitor.interval", m.Interval, scheduler.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	duration, err := config.ParseDurationField("monitor.duration", m.Duration)
	if err != nil {
		return scheduler.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("monitor.max_backoff", m.MaxBackoff, scheduler.DefaultMaxBackoff)
	if err != nil {
		return scheduler.Config{}, err
	}
	pc, err := mapPull(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := scheduler.Config{
		Registrations:   m.Registrations,
		MaxBatch:        maxBatch(cfg),
		Interval:        interval,
		Schedule:        m.Schedule,
		Duration:        duration,
		MaxAuthFailures: m.MaxAuthFailures,
		MaxBackoff:      backoff,
		ReplayWindow:    pc.ReplayWindow,
	}
	if len(o.Registrations) > 0 {
		sc.Registrations = o.Registrations
	}
	if o.MaxBatch > 0 {
		sc.MaxBatch = o.MaxBatch
	}
	// An explicit interval on the command line wins over a configured cron.
	if o.Interval > 0 {
		sc.Interval = o.Interval
		sc.Schedule = ""
	}
	if o.Schedule != "" {
		sc.Schedule = o.Schedule
	}
	if o.Duration > 0 {
		sc.Duration = o.Duration
	}
	return sc, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapRouter(cfg *config.Config) (delivery.Options, error) {
	var types []domain.NotificationType
	for _, raw := range cfg.Delivery.CriticalTypes {
		t, err := domain.ParseNotificationType(raw)
		if err != nil {
			return delivery.Options{}, fmt.Errorf("delivery.critical_types: %w", err)
		}
		types = append(types, t)
	}
	timeout, err := config.ParseDurationOrDefault("delivery.sink_timeout", cfg.Delivery.SinkTimeout, 30*time.Second)
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{
		CriticalTypes: types,
		SinkTimeout:   timeout,
		Concurrency:   cfg.Delivery.Concurrency,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		ReadTimeout:   rt,
		AllowInsecure: cfg.Ops.AllowInsecure,
	}, nil
}

// validate maps every section so a hot reload that cannot be applied is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	if _, err := mapAuth(cfg); err != nil {
		return err
	}
	if _, err := mapGate(cfg); err != nil {
		return err
	}
	if _, err := mapPull(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapRouter(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	if len(cfg.Monitor.Registrations) > 0 {
		mc, err := mapMonitor(cfg, MonitorOverrides{})
		if err != nil {
			return err
		}
		if mc.Schedule != "" {
			if _, err := scheduler.ParseSchedule(mc.Schedule); err != nil {
				return fmt.Errorf("monitor.schedule: %w", err)
			}
		}
	}
	return validateSinks(cfg)
}
