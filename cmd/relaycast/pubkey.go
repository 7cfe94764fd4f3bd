package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"relaycast/internal/app"
)

func newPubkeyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key of the configured identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(opts.ConfigPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.PubKey())
			return stopApp(a, opts.StopTimeout)
		},
	}
}
