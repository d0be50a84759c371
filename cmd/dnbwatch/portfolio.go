package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"dnbwatch/internal/app"
	"dnbwatch/internal/portfolio"
)

func (c *cli) portfolioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "portfolio",
		Short:   "Manage the DUNS numbers monitored by a registration",
		GroupID: "admin",
	}
	cmd.AddCommand(
		c.subjectCmd("add", "Add DUNS numbers one at a time", (*portfolio.Manager).Add),
		c.subjectCmd("remove", "Remove DUNS numbers one at a time", (*portfolio.Manager).Remove),
		c.batchCmd("batch-add", "Add DUNS numbers in one upstream call", (*portfolio.Manager).BatchAdd),
		c.batchCmd("batch-remove", "Remove DUNS numbers in one upstream call", (*portfolio.Manager).BatchRemove),
		c.exportCmd(),
		c.subjectStatusCmd(),
	)
	return cmd
}

func (c *cli) subjectCmd(use, short string, op func(*portfolio.Manager, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " DUNS...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				var errs []error
				for _, duns := range args {
					if err := op(a.Portfolio(), ctx, ref, duns); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", duns, err))
						continue
					}
					c.printf("%s %s: ok\n", use, duns)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func (c *cli) batchCmd(use, short string, op func(*portfolio.Manager, context.Context, string, []string) (portfolio.BatchResult, error)) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   use + " [DUNS...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if file != "" {
				fromFile, err := portfolio.ReadDUNSFile(file)
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			if len(ids) == 0 {
				return errors.New("no DUNS numbers given; pass them as arguments or with --file")
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				res, err := op(a.Portfolio(), ctx, ref, ids)
				if perr := c.printBatch(use, res); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one DUNS per line")
	return cmd
}

func (c *cli) printBatch(op string, res portfolio.BatchResult) error {
	if c.asJSON {
		return c.printJSON(res)
	}
	c.printf("%s: %d submitted, %d rejected, %d failed\n", op, len(res.Submitted), len(res.Rejected), len(res.Failed))
	for _, r := range res.Rejected {
		c.printf("  rejected %s: %s\n", r.DUNS, r.Err)
	}
	if res.Err != nil {
		c.printf("  upstream error: %v\n", res.Err)
	}
	return nil
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "List every DUNS number monitored by the registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				ids, err := a.Portfolio().Export(ctx, ref)
				if err != nil {
					return err
				}
				if c.asJSON {
					return c.printJSON(ids)
				}
				for _, id := range ids {
					c.printf("%s\n", id)
				}
				return nil
			})
		},
	}
}

func (c *cli) subjectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status DUNS",
		Short: "Show the upstream monitoring status of one DUNS number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				st, err := a.Portfolio().SubjectStatus(ctx, ref, args[0])
				if err != nil {
					return err
				}
				return c.printJSON(st)
			})
		},
	}
}
