package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"dnbwatch/internal/config"
	"dnbwatch/internal/delivery"
	"dnbwatch/internal/delivery/sinks/emailsink"
	"dnbwatch/internal/delivery/sinks/filesink"
	"dnbwatch/internal/delivery/sinks/hubspotsink"
	"dnbwatch/internal/delivery/sinks/kafkasink"
	"dnbwatch/internal/delivery/sinks/sftpsink"
	"dnbwatch/internal/delivery/sinks/sqlsink"
	"dnbwatch/internal/delivery/sinks/telegramsink"
	logx "dnbwatch/pkg/logx"
)

func layout(l config.LayoutConfig) filesink.Layout {
	return filesink.Layout{
		Format:         l.Format,
		Compress:       l.Compress,
		ByDate:         l.ByDate,
		ByRegistration: l.ByRegistration,
	}
}

func mapHubSpot(c *config.HubSpotSinkConfig) (hubspotsink.Config, error) {
	actions, err := hubspotsink.ParseActions(c.Actions)
	if err != nil {
		return hubspotsink.Config{}, err
	}
	timeout, err := config.ParseDurationField("delivery.sinks.hubspot.timeout", c.Timeout)
	if err != nil {
		return hubspotsink.Config{}, err
	}
	return hubspotsink.Config{
		BaseURL:           c.BaseURL,
		Token:             c.Token,
		DUNSProperty:      c.DUNSProperty,
		DomainProperty:    c.DomainProperty,
		CreateMissing:     c.CreateMissing,
		DefaultProperties: c.DefaultProperties,
		OwnerID:           c.OwnerID,
		Actions:           actions,
		RatePerSec:        c.RatePerSec,
		Timeout:           timeout,
	}, nil
}

func mapSFTP(c *config.SFTPSinkConfig) (sftpsink.Config, error) {
	timeout, err := config.ParseDurationField("delivery.sinks.sftp.timeout", c.Timeout)
	if err != nil {
		return sftpsink.Config{}, err
	}
	return sftpsink.Config{
		Host:           c.Host,
		Port:           c.Port,
		Username:       c.Username,
		Password:       c.Password,
		PrivateKeyPath: c.PrivateKeyPath,
		Passphrase:     c.Passphrase,
		KnownHostsPath: c.KnownHostsPath,
		RemotePath:     c.RemotePath,
		Timeout:        timeout,
		Layout:         layout(c.LayoutConfig),
	}, nil
}

func mapEmail(c *config.EmailSinkConfig) (emailsink.Config, error) {
	timeout, err := config.ParseDurationField("delivery.sinks.email.timeout", c.Timeout)
	if err != nil {
		return emailsink.Config{}, err
	}
	return emailsink.Config{
		Host:          c.Host,
		Port:          c.Port,
		Username:      c.Username,
		Password:      c.Password,
		From:          c.From,
		FromName:      c.FromName,
		To:            c.To,
		Cc:            c.Cc,
		Bcc:           c.Bcc,
		TLS:           c.TLS,
		Timeout:       timeout,
		Mode:          c.Mode,
		CriticalOnly:  c.CriticalOnly,
		MaxPerEmail:   c.MaxPerEmail,
		SubjectPrefix: c.SubjectPrefix,
	}, nil
}

// validateSinks checks the parts of sink config that only the sink
// packages understand, without opening any connection.
func validateSinks(cfg *config.Config) error {
	s := cfg.Delivery.Sinks
	if c := s.HubSpot; c != nil && c.Enabled {
		if _, err := mapHubSpot(c); err != nil {
			return err
		}
	}
	if c := s.SFTP; c != nil && c.Enabled {
		if _, err := mapSFTP(c); err != nil {
			return err
		}
	}
	if c := s.Kafka; c != nil && c.Enabled {
		if _, err := config.ParseDurationField("delivery.sinks.kafka.linger", c.Linger); err != nil {
			return err
		}
	}
	if c := s.Email; c != nil && c.Enabled {
		if _, err := mapEmail(c); err != nil {
			return err
		}
	}
	return nil
}

// buildSinks constructs every enabled sink in a fixed order. On error the
// sinks built so far are closed.
func buildSinks(ctx context.Context, cfg *config.Config, hc *http.Client, log logx.Logger) (sinks []delivery.Sink, err error) {
	defer func() {
		if err != nil {
			for _, s := range sinks {
				if c, ok := s.(io.Closer); ok {
					_ = c.Close()
				}
			}
			sinks = nil
		}
	}()
	sinkLog := func(name string) logx.Logger { return log.Component("sink." + name) }
	s := cfg.Delivery.Sinks

	if c := s.File; c != nil && c.Enabled {
		fs, err := filesink.New(filesink.Config{BasePath: c.BasePath, Layout: layout(c.LayoutConfig)}, sinkLog("file"))
		if err != nil {
			return sinks, fmt.Errorf("file sink: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if c := s.SFTP; c != nil && c.Enabled {
		sc, err := mapSFTP(c)
		if err != nil {
			return sinks, err
		}
		ss, err := sftpsink.New(sc, sinkLog("sftp"))
		if err != nil {
			return sinks, fmt.Errorf("sftp sink: %w", err)
		}
		sinks = append(sinks, ss)
	}
	if c := s.HubSpot; c != nil && c.Enabled {
		hcfg, err := mapHubSpot(c)
		if err != nil {
			return sinks, err
		}
		hs, err := hubspotsink.New(hcfg, hc, sinkLog("hubspot"))
		if err != nil {
			return sinks, fmt.Errorf("hubspot sink: %w", err)
		}
		sinks = append(sinks, hs)
	}
	if c := s.SQL; c != nil && c.Enabled {
		qs, err := sqlsink.New(ctx, sqlsink.Config{Driver: c.Driver, DSN: c.DSN, Prefix: c.Prefix}, sinkLog("sql"))
		if err != nil {
			return sinks, fmt.Errorf("sql sink: %w", err)
		}
		sinks = append(sinks, qs)
	}
	if c := s.Kafka; c != nil && c.Enabled {
		linger, err := config.ParseDurationField("delivery.sinks.kafka.linger", c.Linger)
		if err != nil {
			return sinks, err
		}
		ks, err := kafkasink.New(kafkasink.Config{Brokers: c.Brokers, Topic: c.Topic, ClientID: c.ClientID, Linger: linger}, sinkLog("kafka"))
		if err != nil {
			return sinks, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, ks)
	}
	if c := s.Telegram; c != nil && c.Enabled {
		ts, err := telegramsink.New(telegramsink.Config{
			Token:     c.Token,
			ChatID:    c.ChatID,
			ThreadID:  c.ThreadID,
			PerMinute: c.PerMinute,
		}, sinkLog("telegram"))
		if err != nil {
			return sinks, fmt.Errorf("telegram sink: %w", err)
		}
		sinks = append(sinks, ts)
	}
	if c := s.Email; c != nil && c.Enabled {
		ec, err := mapEmail(c)
		if err != nil {
			return sinks, err
		}
		es, err := emailsink.New(ec, sinkLog("email"))
		if err != nil {
			return sinks, fmt.Errorf("email sink: %w", err)
		}
		sinks = append(sinks, es)
	}
	if len(sinks) == 0 {
		log.Warn("no delivery sinks enabled; notifications are acknowledged without being stored")
	}
	return sinks, nil
}
