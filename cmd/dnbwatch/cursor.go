package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"dnbwatch/internal/app"
	"dnbwatch/internal/domain"
)

func (c *cli) cursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cursor",
		Short:   "Inspect persisted queue positions",
		GroupID: "notifications",
	}

	var failures int
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the cursor of -r, or of every registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var cursors []domain.Cursor
				if c.ref != "" {
					cur, ok, err := a.Store().GetCursor(ctx, c.ref)
					if err != nil {
						return err
					}
					if ok {
						cursors = append(cursors, cur)
					}
				} else {
					all, err := a.Store().Cursors(ctx)
					if err != nil {
						return err
					}
					cursors = all
				}

				var failed []domain.SinkFailure
				if failures > 0 {
					f, err := a.Store().SinkFailures(ctx, c.ref, failures)
					if err != nil {
						return err
					}
					failed = f
				}

				if c.asJSON {
					return c.printJSON(map[string]any{"cursors": cursors, "sink_failures": failed})
				}
				if len(cursors) == 0 {
					c.printf("no cursors stored\n")
				}
				for _, cur := range cursors {
					c.printf("%s\tlast_tx=%s\tacked=%d\tlast_ack=%s\tlast_notification=%s\n",
						cur.Registration, orDash(cur.LastTransactionID), cur.Acknowledged,
						stamp(cur.LastAckAt), stamp(cur.LastNotificationAt))
				}
				for _, f := range failed {
					c.printf("failure %s %s sink=%s id=%s: %s\n",
						stamp(f.At), f.Registration, f.Sink, orDash(f.NotificationID), f.Error)
				}
				return nil
			})
		},
	}
	show.Flags().IntVar(&failures, "failures", 0, "also list this many recent sink failures")
	cmd.AddCommand(show)
	return cmd
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
