package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newProxiesCmd creates the 'proxies' subcommand, which probes every proxy
// in the list without crawling.
func newProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "Probes the proxy list and reports how many are live",
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			live, err := appInstance.CheckProxies(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d live proxies\n", live)
			return nil
		}),
	}
}
