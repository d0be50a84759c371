package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dnbwatch/pkg/logx"
)

const redacted = "***"

// Redacted returns a copy of cfg with every secret replaced by
// "***" (or left empty when unset). It is safe to log or serve.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out := c
	out.DNB.ClientID = mask(c.DNB.ClientID)
	out.DNB.ClientSecret = mask(c.DNB.ClientSecret)
	if s := c.Delivery.Sinks.SFTP; s != nil {
		cp := *s
		cp.Password = mask(s.Password)
		cp.Passphrase = mask(s.Passphrase)
		out.Delivery.Sinks.SFTP = &cp
	}
	if s := c.Delivery.Sinks.HubSpot; s != nil {
		cp := *s
		cp.Token = mask(s.Token)
		out.Delivery.Sinks.HubSpot = &cp
	}
	if s := c.Delivery.Sinks.SQL; s != nil {
		cp := *s
		cp.DSN = mask(s.DSN)
		out.Delivery.Sinks.SQL = &cp
	}
	if s := c.Delivery.Sinks.Telegram; s != nil {
		cp := *s
		cp.Token = mask(s.Token)
		out.Delivery.Sinks.Telegram = &cp
	}
	if s := c.Delivery.Sinks.Email; s != nil {
		cp := *s
		cp.Password = mask(s.Password)
		out.Delivery.Sinks.Email = &cp
	}
	return out
}

// SummarizeConfigChange returns the sorted names of changed sections and
// log fields describing the new values. Secrets never appear in the fields;
// a rotated secret only shows up as "<section>.secret_changed".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg.Redacted(), newCfg.Redacted()

	var changed []string
	var attrs []logx.Field
	section := func(name string, oldV, newV any, secretChanged bool, fields ...logx.Field) {
		if reflect.DeepEqual(oldV, newV) && !secretChanged {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
		if secretChanged {
			attrs = append(attrs, logx.Bool(name+".secret_changed", true))
		}
	}

	section("dnb", o.DNB, n.DNB,
		oldCfg.DNB.ClientID != newCfg.DNB.ClientID || oldCfg.DNB.ClientSecret != newCfg.DNB.ClientSecret,
		logx.String("dnb.base_url", strings.TrimSpace(n.DNB.BaseURL)),
		logx.String("dnb.timeout", n.DNB.Timeout))
	section("gate", o.Gate, n.Gate, false,
		logx.Int("gate.rate_per_sec", n.Gate.RatePerSec),
		logx.Int("gate.retry_max", n.Gate.Retries()))
	section("pull", o.Pull, n.Pull, false,
		logx.Int("pull.max_batch", n.Pull.MaxBatch),
		logx.Int("pull.max_pages", n.Pull.MaxPages),
		logx.String("pull.replay_window", n.Pull.ReplayWindow))
	section("monitor", o.Monitor, n.Monitor, false,
		logx.Strings("monitor.registrations", n.Monitor.Registrations),
		logx.String("monitor.interval", n.Monitor.Interval),
		logx.String("monitor.schedule", n.Monitor.Schedule))
	section("storage", o.Storage, n.Storage, false,
		logx.String("storage.driver", n.Storage.Driver),
		logx.Bool("storage.path_set", strings.TrimSpace(n.Storage.Path) != ""))
	section("delivery", o.Delivery, n.Delivery, sinkSecretsChanged(oldCfg.Delivery.Sinks, newCfg.Delivery.Sinks),
		logx.Strings("delivery.critical_types", n.Delivery.CriticalTypes),
		logx.Strings("delivery.sinks", n.Delivery.Sinks.Enabled()))
	section("input", o.Input, n.Input, false,
		logx.Bool("input.enabled", n.Input.Enabled),
		logx.String("input.path", n.Input.Path))
	section("logging", o.Logging, n.Logging, false,
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file_enabled", n.Logging.File.Enabled))
	section("ops", o.Ops, n.Ops, false,
		logx.Bool("ops.enabled", n.Ops.Enabled),
		logx.String("ops.addr", n.Ops.Addr))

	sort.Strings(changed)
	return changed, attrs
}

// Enabled lists the names of enabled sinks in a fixed order.
func (s SinksConfig) Enabled() []string {
	var out []string
	if s.File != nil && s.File.Enabled {
		out = append(out, "file")
	}
	if s.SFTP != nil && s.SFTP.Enabled {
		out = append(out, "sftp")
	}
	if s.HubSpot != nil && s.HubSpot.Enabled {
		out = append(out, "hubspot")
	}
	if s.SQL != nil && s.SQL.Enabled {
		out = append(out, "sql")
	}
	if s.Kafka != nil && s.Kafka.Enabled {
		out = append(out, "kafka")
	}
	if s.Telegram != nil && s.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if s.Email != nil && s.Email.Enabled {
		out = append(out, "email")
	}
	return out
}

func sinkSecretsChanged(a, b SinksConfig) bool {
	pick := func(s SinksConfig) [6]string {
		var v [6]string
		if s.SFTP != nil {
			v[0], v[1] = s.SFTP.Password, s.SFTP.Passphrase
		}
		if s.HubSpot != nil {
			v[2] = s.HubSpot.Token
		}
		if s.SQL != nil {
			v[3] = s.SQL.DSN
		}
		if s.Telegram != nil {
			v[4] = s.Telegram.Token
		}
		if s.Email != nil {
			v[5] = s.Email.Password
		}
		return v
	}
	return pick(a) != pick(b)
}
