package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vanpelt/rit/internal/client"
	"github.com/vanpelt/rit/internal/gate"
)

var runSession string

var runCmd = &cobra.Command{
	Use:   "run [snippet...]",
	Short: "🚀 Run a snippet in a terminal session",
	Long: `# 🚀 Run a Snippet

**Types the snippet followed by Enter into a terminal session.**

The target is **--session** when given, otherwise the active session, then the
first ready one. When no session exists a background session is created.

Snippets containing a dangerous substring (**rm -rf**, **mkfs**, **reboot** ...)
are held until you run **rit confirm proceed** or **rit confirm cancel**.

## 💡 Examples
` + "```bash\nrit run make test\necho 'git status' | rit run -\n```",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snippet := strings.Join(args, " ")
		if snippet == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			snippet = strings.TrimRight(string(data), "\n")
		}

		out, err := newAPI().Run(cmd.Context(), runSession, snippet)
		if err != nil {
			return err
		}
		printOutcome(cmd, out)
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm [proceed|cancel]",
	Short: "🛑 Resolve a held dangerous snippet",
	Long: `# 🛑 Confirm a Snippet

Without an argument, shows the snippet waiting for confirmation.
**proceed** runs it, **cancel** discards it.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{gate.ChoiceProceed, gate.ChoiceCancel},
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPI()
		if len(args) == 0 {
			p, err := api.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing waiting for confirmation")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  %q matches %s\n", p.Snippet, strings.Join(p.Dangerous, ", "))
			fmt.Fprintln(cmd.OutOrStdout(), "Run 'rit confirm proceed' or 'rit confirm cancel'")
			return nil
		}

		out, err := api.Confirm(cmd.Context(), args[0])
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 404 {
			return errors.New("nothing waiting for confirmation")
		}
		if err != nil {
			return err
		}
		printOutcome(cmd, out)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Target session id")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(confirmCmd)
}

func printOutcome(cmd *cobra.Command, out gate.Outcome) {
	w := cmd.OutOrStdout()
	switch {
	case out.Injected:
		fmt.Fprintf(w, "✅ Sent to %s\n", out.Session)
	case out.Cancelled:
		fmt.Fprintln(w, "🚫 Cancelled")
	case out.Pending != nil:
		fmt.Fprintf(w, "⚠️  Held: %q matches %s\n", out.Pending.Snippet, strings.Join(out.Pending.Dangerous, ", "))
		fmt.Fprintln(w, "Run 'rit confirm proceed' to send it or 'rit confirm cancel' to drop it")
	}
}
