package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/Sternrassler/sdp-client/pkg/logging"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Obtain an access token and show its expiry",
	Long: `Obtain an access token for the configured client, refreshing it when
needed, and print its fingerprint and expiry. The token itself is never
printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		token, err := a.tracker.AccessToken(cmd.Context(), a.creds)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "client:      %s\n", a.creds.ID)
		fmt.Fprintf(out, "token:       %s\n", logging.Fingerprint(token))
		if rec, ok := a.tracker.Record(a.creds.ID); ok {
			fmt.Fprintf(out, "expires at:  %s\n", rec.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintf(out, "valid for:   %s\n", client.FormatElapsed(time.Until(rec.ExpiresAt)))
		}
		return nil
	},
}
