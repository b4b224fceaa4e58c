package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X github.com/vanpelt/rit/internal/cmd.version=..."
var version = "dev"

// GetVersion returns the build version.
func GetVersion() string {
	return version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "🏷️ Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(GetVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
