package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/policy"
)

func newPolicyCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the child's session policy",
	}
	cmd.AddCommand(newPolicyCheckCmd(ctx))
	return cmd
}

func newPolicyCheckCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "check SERVICE [ARGS]",
		Short: "Show how a session request from the child would be routed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadConfig(cmd)
			if err != nil {
				return err
			}
			pol, err := policy.NewWhitelist(doc.Child.Label, doc.Policy.Services, doc.Policy.ArgsBufferSize)
			if err != nil {
				return err
			}
			service := args[0]
			var sessionArgs string
			if len(args) > 1 {
				sessionArgs = args[1]
			}

			out := cmd.OutOrStdout()
			endpoint, ok := pol.Resolve(service)
			if !ok {
				fmt.Fprintf(out, "%s: denied (whitelist: %s)\n", service, strings.Join(pol.Services(), ", "))
				return nil
			}
			fmt.Fprintf(out, "%s: forwarded to %s\n", service, endpoint)
			fmt.Fprintf(out, "args: %s\n", pol.Rewrite(service, sessionArgs))
			return nil
		},
	}
}
