package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/vanpelt/rit/internal/client"
	"github.com/vanpelt/rit/internal/protocol"
)

var (
	watchSessions  bool
	forceTerminate bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "🖥️ List and manage terminal sessions",
	Long: `# 🖥️ Sessions

**List and manage the terminal sessions known to the broker.**

Without a subcommand the sessions are listed.`,
	RunE: listSessions,
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "📋 List sessions",
	Args:    cobra.NoArgs,
	RunE:    listSessions,
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "🆕 Start a background session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := newAPI().CreateSession(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <session> [name]",
	Short: "✏️ Rename a session (no name clears it)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		info, err := newAPI().Rename(cmd.Context(), args[0], name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✏️  %s\n", info.Label)
		return nil
	},
}

var sessionsFocusCmd = &cobra.Command{
	Use:   "focus <session>",
	Short: "🎯 Make a session active and bring its view forward",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPI().Focus(cmd.Context(), args[0])
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "🔌 End the session's shell; the next input starts a new one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newAPI().CloseShell(cmd.Context(), args[0])
	},
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <session>",
	Short: "🗑️ Close a session entirely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := newAPI().Terminate(cmd.Context(), args[0], forceTerminate)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == 409 {
			return fmt.Errorf("%s is protected by confirm_before_close; pass --force to close it", args[0])
		}
		return err
	},
}

func init() {
	sessionsListCmd.Flags().BoolVarP(&watchSessions, "watch", "w", false, "Keep listing as sessions change")
	sessionsCmd.Flags().BoolVarP(&watchSessions, "watch", "w", false, "Keep listing as sessions change")
	sessionsTerminateCmd.Flags().BoolVarP(&forceTerminate, "force", "f", false, "Skip the close confirmation")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsNewCmd, sessionsRenameCmd, sessionsFocusCmd, sessionsCloseCmd, sessionsTerminateCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func listSessions(cmd *cobra.Command, args []string) error {
	api := newAPI()
	out := cmd.OutOrStdout()
	if !watchSessions {
		sessions, err := api.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		renderSessions(out, sessions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return api.WatchSessions(ctx, func(sessions []protocol.SessionInfo) {
		fmt.Fprint(out, client.ClearScreen)
		renderSessions(out, sessions)
	})
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	activeStyle = cellStyle.Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle    = cellStyle.Foreground(lipgloss.Color("8"))
)

func renderSessions(w io.Writer, sessions []protocol.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No sessions. Start one with 'rit sessions new' or open a terminal view."))
		return
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, sessionRow(s))
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("8"))).
		Headers("", "SESSION", "READY", "WINDOW").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case sessions[row].Active:
				return activeStyle
			case !sessions[row].Ready:
				return dimStyle
			default:
				return cellStyle
			}
		})
	fmt.Fprintln(w, t.Render())
}

func sessionRow(s protocol.SessionInfo) []string {
	marker := ""
	if s.Active {
		marker = "▶"
	}
	ready := "no"
	if s.Ready {
		ready = "yes"
	}
	return []string{marker, s.Label, ready, s.WindowRef}
}
