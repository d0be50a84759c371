package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"dnbwatch/internal/app"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/portfolio"
)

func (c *cli) registrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "registration",
		Short:   "Create and administer monitoring registrations",
		GroupID: "admin",
	}
	cmd.AddCommand(
		c.createCmd(),
		c.templateCmd(),
		c.simpleRegCmd("get", "Show the registration as the upstream sees it", func(ctx context.Context, a *app.App, ref string) error {
			reg, err := a.Portfolio().Registration(ctx, ref)
			if err != nil {
				return err
			}
			return c.printJSON(reg)
		}),
		c.simpleRegCmd("activate", "Start delivering notifications", func(ctx context.Context, a *app.App, ref string) error {
			if err := a.Portfolio().Activate(ctx, ref); err != nil {
				return err
			}
			c.printf("%s activated\n", ref)
			return nil
		}),
		c.simpleRegCmd("suppress", "Pause notification delivery", func(ctx context.Context, a *app.App, ref string) error {
			if err := a.Portfolio().Suppress(ctx, ref); err != nil {
				return err
			}
			c.printf("%s suppressed\n", ref)
			return nil
		}),
		c.simpleRegCmd("status", "Show upstream status together with the local cursor", c.registrationStatus),
	)
	return cmd
}

func (c *cli) simpleRegCmd(use, short string, fn func(ctx context.Context, a *app.App, ref string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ref, err := c.registration(a)
				if err != nil {
					return err
				}
				return fn(ctx, a, ref)
			})
		},
	}
}

type registrationStatus struct {
	Registration string                    `json:"registration"`
	Status       domain.RegistrationStatus `json:"status,omitempty"`
	DataBlocks   []string                  `json:"data_blocks,omitempty"`
	Cursor       *domain.Cursor            `json:"cursor,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

func (c *cli) registrationStatus(ctx context.Context, a *app.App, ref string) error {
	st := registrationStatus{Registration: ref}
	if reg, err := a.Portfolio().Registration(ctx, ref); err != nil {
		// the local cursor is still useful when the upstream is unreachable
		st.Error = err.Error()
	} else {
		st.Status, st.DataBlocks = reg.Status, reg.DataBlocks
	}
	cur, ok, err := a.Store().GetCursor(ctx, ref)
	if err != nil {
		return err
	}
	if ok {
		st.Cursor = &cur
	}
	return c.printJSON(st)
}

func (c *cli) createCmd() *cobra.Command {
	var (
		file, template, dunsFile string
		activate                 bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a registration from a YAML file or a template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.loadRegistration(file, template, dunsFile)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Portfolio().CreateRegistration(ctx, reg)
				if err != nil {
					return err
				}
				c.printf("%s created\n", reg.Reference)
				if len(reg.Subjects) > 0 {
					if err := c.printBatch("subjects", res); err != nil {
						return err
					}
				}
				if !activate {
					c.printf("run 'dnbwatch registration activate -r %s' to start delivery\n", reg.Reference)
					return nil
				}
				if err := a.Portfolio().Activate(ctx, reg.Reference); err != nil {
					return err
				}
				c.printf("%s activated\n", reg.Reference)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "registration YAML")
	f.StringVarP(&template, "template", "t", "", "template name: standard or financial")
	f.StringVar(&dunsFile, "duns-file", "", "initial DUNS numbers, one per line")
	f.BoolVar(&activate, "activate", false, "activate right after creation")
	cmd.MarkFlagsMutuallyExclusive("file", "template")
	return cmd
}

func (c *cli) templateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "template NAME",
		Short: "Print a registration template as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := c.ref
			if ref == "" {
				ref = "MY_REGISTRATION"
			}
			reg, err := portfolio.Template(args[0], ref, nil)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(reg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func (c *cli) loadRegistration(file, template, dunsFile string) (domain.Registration, error) {
	var duns []string
	if dunsFile != "" {
		ids, err := portfolio.ReadDUNSFile(dunsFile)
		if err != nil {
			return domain.Registration{}, err
		}
		duns = ids
	}
	switch {
	case file != "":
		reg, err := portfolio.LoadRegistrationFile(file)
		if err != nil {
			return domain.Registration{}, err
		}
		reg.Subjects = append(reg.Subjects, duns...)
		if c.ref != "" {
			reg.Reference = c.ref
		}
		return reg, nil
	case template != "":
		if c.ref == "" {
			return domain.Registration{}, errors.New("--registration is required with --template")
		}
		return portfolio.Template(template, c.ref, duns)
	default:
		return domain.Registration{}, errors.New("one of --file or --template is required")
	}
}
