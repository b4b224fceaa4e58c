package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"github.com/vanpelt/rit/internal/client"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/middleware"
)

var (
	brokerAddr string
	devMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "rit",
	Short: "⌨️ rit - run snippets in your terminals",
	Long: `# ⌨️ rit

**A broker that sends text to interactive terminal sessions and mirrors them elsewhere.**

## ✨ Features

- 🖥️  **Terminal sessions** backed by a real PTY helper process
- 🪞 **Mirrors** that watch and type into any session
- 🚀 **Run snippets** in the active session, with a confirmation gate for dangerous commands
- 💾 **Restart safe**: session names and readiness survive a broker restart

## 🚀 Getting Started

Start the broker with **rit serve**, then use **rit run ls** to send a command
or **rit mirror** to watch a session from another terminal.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Configure(logger.GetLogLevelFromEnv(devMode), devMode)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr", config.Runtime.ListenAddr, "Broker address (RIT_ADDR)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Human readable debug logging")

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderMarkdownHelp(cmd)
	})
}

const tokenTTL = 24 * time.Hour

// clientToken signs a token for source when the broker requires one.
func clientToken(source string) string {
	secret := config.Runtime.AuthSecret
	if secret == "" {
		return ""
	}
	token, err := middleware.GenerateToken(secret, source, tokenTTL)
	if err != nil {
		logger.Warnf("⚠️ Failed to sign API token: %v", err)
		return ""
	}
	return token
}

func newAPI() *client.API {
	return client.NewAPI(brokerAddr).WithToken(clientToken("cli"))
}

// renderMarkdownHelp renders command help using glamour
func renderMarkdownHelp(cmd *cobra.Command) {
	var helpContent strings.Builder

	if cmd.Long != "" {
		helpContent.WriteString(cmd.Long)
		helpContent.WriteString("\n\n")
	} else if cmd.Short != "" {
		helpContent.WriteString("# " + cmd.Short)
		helpContent.WriteString("\n\n")
	}

	helpContent.WriteString("## 📖 Usage\n\n")
	helpContent.WriteString("```bash\n")
	helpContent.WriteString(cmd.UseLine())
	helpContent.WriteString("\n```\n\n")

	if cmd.HasAvailableSubCommands() {
		helpContent.WriteString("## 🔧 Available Commands\n\n")
		for _, subCmd := range cmd.Commands() {
			if subCmd.IsAvailableCommand() {
				helpContent.WriteString(fmt.Sprintf("- **%s** - %s\n", subCmd.Name(), subCmd.Short))
			}
		}
		helpContent.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() {
		helpContent.WriteString("## ⚙️  Flags\n\n```\n")
		helpContent.WriteString(cmd.LocalFlags().FlagUsages())
		helpContent.WriteString("```\n\n")
	}

	if cmd.HasParent() && cmd.InheritedFlags().HasFlags() {
		helpContent.WriteString("## 🌐 Global Flags\n\n```\n")
		helpContent.WriteString(cmd.InheritedFlags().FlagUsages())
		helpContent.WriteString("```\n\n")
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		_ = cmd.Usage()
		return
	}
	rendered, err := renderer.Render(helpContent.String())
	if err != nil {
		_ = cmd.Usage()
		return
	}
	fmt.Print(rendered)
}
