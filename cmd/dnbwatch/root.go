package main

import (
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"dnbwatch/internal/app"
	"dnbwatch/internal/config"
)

type cli struct {
	cfgPath string
	envFile string
	ref     string
	asJSON  bool
	out     io.Writer

	// options are passed to every app built by this cli; tests use them to
	// point at fake upstreams.
	options []app.Option
}

func newRootCmd(opts ...app.Option) *cobra.Command {
	c := &cli{options: opts}
	root := &cobra.Command{
		Use:           "dnbwatch",
		Short:         "Poll D&B monitoring notifications and fan them out to sinks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = cmd.OutOrStdout()
			return config.LoadDotEnv(c.envFile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "./dnbwatch.yaml", "path to config (yaml or json)")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file with secrets; missing is fine")
	pf.StringVarP(&c.ref, "registration", "r", "", "registration reference (default: first of monitor.registrations)")
	pf.BoolVar(&c.asJSON, "json", false, "print results as JSON")

	root.AddGroup(
		&cobra.Group{ID: "notifications", Title: "Notification Commands:"},
		&cobra.Group{ID: "admin", Title: "Registration Admin:"},
	)
	root.AddCommand(
		c.pullCmd(),
		c.replayCmd(),
		c.ingestCmd(),
		c.monitorCmd(),
		c.cursorCmd(),
		c.portfolioCmd(),
		c.registrationCmd(),
	)
	return root
}

// withApp builds the app, runs fn and shuts the app down again.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) (err error) {
	a, err := app.NewApp(c.cfgPath, c.options...)
	if err != nil {
		return err
	}
	reason := app.StopDone
	defer func() {
		if ctx.Err() != nil {
			reason = app.StopSignal
		} else if err != nil {
			reason = app.StopFatalError
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := a.Stop(sctx, reason); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(ctx, a)
}

// registration resolves -r against the configured default.
func (c *cli) registration(a *app.App) (string, error) {
	return a.Registration(c.ref)
}

func (c *cli) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
