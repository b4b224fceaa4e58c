package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "🏓 Check that the broker and the PTY helper answer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPI()
		h, err := api.Health(cmd.Context(), true)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ rit %s at %s (up %s), helper answered in %s\n", h.Version, api.BaseURL(), h.Uptime, h.HelperRTT)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
