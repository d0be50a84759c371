package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the file.
const (
	EnvDNBClientID     = "DNB_CLIENT_ID"
	EnvDNBClientSecret = "DNB_CLIENT_SECRET"
	EnvHubSpotToken    = "HUBSPOT_TOKEN"
	EnvTelegramToken   = "TELEGRAM_TOKEN"
	EnvSFTPPassword    = "SFTP_PASSWORD"
	EnvSMTPPassword    = "SMTP_PASSWORD"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overrides secrets from getenv. A nil getenv reads the process
// environment. Sink secrets only apply to configured sink sections.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.DNB.ClientID, EnvDNBClientID)
	set(&cfg.DNB.ClientSecret, EnvDNBClientSecret)
	if s := cfg.Delivery.Sinks.HubSpot; s != nil {
		set(&s.Token, EnvHubSpotToken)
	}
	if s := cfg.Delivery.Sinks.Telegram; s != nil {
		set(&s.Token, EnvTelegramToken)
	}
	if s := cfg.Delivery.Sinks.SFTP; s != nil {
		set(&s.Password, EnvSFTPPassword)
	}
	if s := cfg.Delivery.Sinks.Email; s != nil {
		set(&s.Password, EnvSMTPPassword)
	}
}
