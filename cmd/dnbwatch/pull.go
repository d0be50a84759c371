package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dnbwatch/internal/app"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/pull"
)

func (c *cli) pullCmd() *cobra.Command {
	var maxBatch int
	cmd := &cobra.Command{
		Use:     "pull",
		Short:   "Drain the notification queue of one registration once",
		GroupID: "notifications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				res, err := a.Pull().Pull(ctx, ref, a.MaxBatch(maxBatch))
				if perr := c.printResult(res); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&maxBatch, "max-batch", 0, "notifications per page, 1-100 (default: pull.max_batch)")
	return cmd
}

func (c *cli) replayCmd() *cobra.Command {
	var (
		since    string
		maxBatch int
	)
	cmd := &cobra.Command{
		Use:     "replay",
		Short:   "Re-fetch notifications since a point in time without acknowledging",
		GroupID: "notifications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				res, err := a.Pull().Replay(ctx, ref, from, a.MaxBatch(maxBatch))
				if perr := c.printResult(res); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "24h", "RFC3339 timestamp, date (2006-01-02) or age such as 48h")
	cmd.Flags().IntVar(&maxBatch, "max-batch", 0, "notifications per page, 1-100 (default: pull.max_batch)")
	return cmd
}

// parseSince accepts an RFC3339 timestamp, a plain date or a duration that
// is subtracted from now.
func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("--since is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("--since: %q is not a timestamp or a positive duration", raw)
	}
	return now.Add(-d), nil
}

type resultView struct {
	Registration  string                `json:"registration"`
	Replay        bool                  `json:"replay"`
	Pages         int                   `json:"pages"`
	More          bool                  `json:"more"`
	Acknowledged  int                   `json:"acknowledged"`
	Skipped       int                   `json:"skipped"`
	Duplicates    int                   `json:"duplicates"`
	SinkFailures  int                   `json:"sink_failures"`
	Elapsed       string                `json:"elapsed"`
	Notifications []domain.Notification `json:"notifications"`
}

func (c *cli) printResult(res pull.Result) error {
	if res.Registration == "" {
		return nil
	}
	if c.asJSON {
		return c.printJSON(resultView{
			Registration:  res.Registration,
			Replay:        res.Replay,
			Pages:         res.Pages,
			More:          res.More,
			Acknowledged:  res.Acknowledged,
			Skipped:       res.Skipped,
			Duplicates:    res.Duplicates,
			SinkFailures:  res.SinkFailures,
			Elapsed:       res.Elapsed.String(),
			Notifications: res.Notifications,
		})
	}
	verb, again := "pulled", "pull"
	if res.Replay {
		verb, again = "replayed", "replay"
	}
	c.printf("%s: %s %d notification(s) in %d page(s), acked %d, skipped %d, duplicates %d, sink failures %d (%s)\n",
		res.Registration, verb, len(res.Notifications), res.Pages, res.Acknowledged,
		res.Skipped, res.Duplicates, res.SinkFailures, res.Elapsed.Round(time.Millisecond))
	if res.More {
		c.printf("%s: more notifications are waiting, run %s again\n", res.Registration, again)
	}
	for _, n := range res.Notifications {
		c.printf("  %s\n", n.Summary())
	}
	return nil
}
