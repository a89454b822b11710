package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPermissionsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Inspect and change stored tool permissions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored decisions and the auto-approve setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermissions(root, func(e *permission.Engine) error {
				return listPermissions(cmd.Context(), e, cmd.OutOrStdout())
			})
		},
	})

	var domain string
	revoke := &cobra.Command{
		Use:   "revoke <tool>",
		Short: "Forget the stored decision for a tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPermissions(root, func(e *permission.Engine) error {
				if err := e.Revoke(cmd.Context(), args[0], domain); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", describe(args[0], domain))
				return nil
			})
		},
	}
	revoke.Flags().StringVar(&domain, "domain", "", "Revoke the decision for this hostname only")
	cmd.AddCommand(revoke)

	cmd.AddCommand(&cobra.Command{
		Use:       "auto-approve on|off",
		Short:     "Allow every tool call without asking",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return withPermissions(root, func(e *permission.Engine) error {
				if err := e.SetAutoApprove(cmd.Context(), enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Auto-approve is %s\n", onOff(enabled))
				return nil
			})
		},
	})

	return cmd
}

// withPermissions opens the configured store without starting providers or
// tool owners.
func withPermissions(root *rootFlags, fn func(*permission.Engine) error) error {
	kv, err := store.Open(root.cfg.Store)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s store", root.cfg.Store.Driver)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			root.logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	return fn(permission.NewEngine(kv, root.cfg.DomainAwareTools, root.logger.Named("permissions")))
}

func listPermissions(ctx context.Context, e *permission.Engine, out io.Writer) error {
	auto, err := e.AutoApprove(ctx)
	if err != nil {
		return err
	}
	recs, err := e.List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Auto-approve: %s\n", onOff(auto))
	if len(recs) == 0 {
		fmt.Fprintln(out, "No stored decisions.")
		return nil
	}
	allow := color.New(color.FgGreen).SprintFunc()
	deny := color.New(color.FgRed).SprintFunc()
	for _, r := range recs {
		decision := allow(r.Decision.String())
		if r.Decision == permission.AlwaysDeny {
			decision = deny(r.Decision.String())
		}
		fmt.Fprintf(out, "  %-40s %s\n", describe(r.ToolName, r.Domain), decision)
	}
	return nil
}

func describe(tool, domain string) string {
	if domain == "" {
		return tool
	}
	return tool + " @ " + domain
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.New("expected on or off, got %q", s)
	}
	return b, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
