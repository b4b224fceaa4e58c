package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/ptyhost"
)

var hostCmd = &cobra.Command{
	Use:    "host",
	Short:  "🔧 PTY helper spoken to over stdio",
	Hidden: true,
	Long: `# 🔧 PTY Helper

Runs one shell on a pseudo-terminal and speaks length-prefixed JSON frames on
stdin and stdout. The broker starts this for every terminal; it is not meant
to be run by hand.

Logs go to **stderr**; stdout carries only frames.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := ptyhost.ProtocolStdout()
		if err != nil {
			return err
		}
		defer out.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := logger.WithSession("ptyhost", os.Getenv("RIT_SESSION"))
		log.Debug().Int("pid", os.Getpid()).Msg("helper started")
		err = ptyhost.NewHost(nil).Serve(ctx, os.Stdin, out)
		log.Debug().Err(err).Msg("helper exiting")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
}
