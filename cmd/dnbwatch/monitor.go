package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"dnbwatch/internal/app"
	logx "dnbwatch/pkg/logx"
)

func (c *cli) monitorCmd() *cobra.Command {
	var (
		o        app.MonitorOverrides
		maxBatch int
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Pull every configured registration on a schedule until stopped",
		Long: `monitor runs pull cycles over monitor.registrations (or the single
registration given with -r) until interrupted, the optional --duration
elapses or authentication keeps failing.

--schedule accepts a Go duration, "every:5m", "HH:MM" for a daily run,
a 5-field cron expression or a descriptor such as @hourly.`,
		GroupID: "notifications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if c.ref != "" {
					ref, err := a.Registration(c.ref)
					if err != nil {
						return err
					}
					o.Registrations = []string{ref}
				}
				o.MaxBatch = maxBatch
				m, err := a.NewMonitor(o)
				if err != nil {
					return err
				}
				if err := a.Start(ctx); err != nil {
					return err
				}

				log := a.Logger().Component("systemd")
				notify(log, daemon.SdNotifyReady)
				if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
					a.Supervisor().Go("systemd.watchdog", func(ctx context.Context) error {
						watchdog(ctx, log, every/2)
						return nil
					})
				}

				err = m.Run(ctx)
				notify(log, daemon.SdNotifyStopping)
				return err
			})
		},
	}
	f := cmd.Flags()
	f.DurationVar(&o.Interval, "interval", 0, "fixed interval between cycles (overrides monitor.schedule)")
	f.StringVar(&o.Schedule, "schedule", "", "schedule expression (see above)")
	f.DurationVar(&o.Duration, "duration", 0, "stop after this long; 0 runs until interrupted")
	f.IntVar(&maxBatch, "max-batch", 0, "notifications per page, 1-100 (default: pull.max_batch)")
	cmd.MarkFlagsMutuallyExclusive("interval", "schedule")
	return cmd
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func watchdog(ctx context.Context, log logx.Logger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
