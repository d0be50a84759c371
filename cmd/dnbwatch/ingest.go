package main

import (
	"context"

	"github.com/spf13/cobra"

	"dnbwatch/internal/app"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/ingest"
)

func (c *cli) ingestCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Process files D&B pushed into input.path (FTP_PUSH delivery)",
		Long: `ingest reads seedfiles, exception files, DUNS exports and zip archives
of them from input.path, delivers the resulting notifications to the
configured sinks and archives each processed file by date.

With --watch it keeps running and picks up new files as they arrive.`,
		GroupID: "notifications",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ing, err := a.Ingester()
				if err != nil {
					return err
				}
				if watch {
					return ing.Watch(ctx, func(res ingest.Result, err error) {
						if err == nil && len(res.Files) > 0 {
							_ = c.printIngest(res)
						}
					})
				}
				res, err := ing.Scan(ctx)
				if perr := c.printIngest(res); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the directory until interrupted")
	return cmd
}

type ingestFileView struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Notifications int    `json:"notifications"`
	Skipped       int    `json:"skipped"`
	Archived      string `json:"archived,omitempty"`
	Error         string `json:"error,omitempty"`
}

type ingestView struct {
	Files         []ingestFileView      `json:"files"`
	Skipped       int                   `json:"skipped"`
	SinkFailures  int                   `json:"sink_failures"`
	Notifications []domain.Notification `json:"notifications"`
}

func (c *cli) printIngest(res ingest.Result) error {
	if c.asJSON {
		v := ingestView{Skipped: res.Skipped, SinkFailures: res.SinkFailures, Notifications: res.Notifications}
		for _, f := range res.Files {
			fv := ingestFileView{Name: f.Name, Kind: string(f.Kind), Notifications: f.Notifications, Skipped: f.Skipped, Archived: f.Archived}
			if f.Err != nil {
				fv.Error = f.Err.Error()
			}
			v.Files = append(v.Files, fv)
		}
		return c.printJSON(v)
	}
	c.printf("ingested %d file(s): %d notification(s), skipped %d, sink failures %d\n",
		len(res.Files), len(res.Notifications), res.Skipped, res.SinkFailures)
	for _, f := range res.Files {
		if f.Err != nil {
			c.printf("  %s (%s): failed: %v\n", f.Name, f.Kind, f.Err)
			continue
		}
		c.printf("  %s (%s): %d notification(s), skipped %d\n", f.Name, f.Kind, f.Notifications, f.Skipped)
	}
	return nil
}
