package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vanpelt/rit/internal/client"
	"golang.org/x/term"
)

// detachKey is Ctrl-]
const detachKey = 0x1d

var mirrorCmd = &cobra.Command{
	Use:   "mirror [session]",
	Short: "🪞 Watch and type into a session",
	Long: `# 🪞 Mirror a Session

**Shows a live copy of a terminal session and forwards your keystrokes to it.**

Without a session id the active session is mirrored, or the first ready one.
The screen is repainted from a snapshot whenever the session changes or is
renamed.

Press **Ctrl-]** to detach.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMirror,
}

func init() {
	rootCmd.AddCommand(mirrorCmd)
}

func runMirror(cmd *cobra.Command, args []string) error {
	session := ""
	if len(args) == 1 {
		session = args[0]
	}

	mc := client.NewMirrorClient().WithToken(clientToken("mirror"))
	if err := mc.Connect(newAPI().BaseURL(), session); err != nil {
		return err
	}
	defer mc.Close()

	out := cmd.OutOrStdout()
	view := client.NewMirrorView()
	if session != "" {
		act := view.Switch(session)
		if err := apply(mc, view, out, act); err != nil {
			return err
		}
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to make stdin raw: %w", err)
		}
		defer func() {
			if err := term.Restore(fd, oldState); err != nil {
				fmt.Fprintf(os.Stderr, "rit: failed to restore terminal: %v\n", err)
			}
		}()
	}

	detached := make(chan struct{})
	go forwardStdin(mc, os.Stdin, detached)

	for {
		select {
		case <-detached:
			fmt.Fprint(out, "\r\n[detached]\r\n")
			return nil
		case msg, ok := <-mc.Messages():
			if !ok {
				fmt.Fprint(out, "\r\n[broker connection closed]\r\n")
				return mc.Wait()
			}
			if err := apply(mc, view, out, view.Handle(msg)); err != nil {
				return err
			}
		}
	}
}

func apply(mc *client.MirrorClient, view *client.MirrorView, out io.Writer, act client.Action) error {
	if act.Select != "" {
		if err := mc.Select(act.Select); err != nil {
			return err
		}
	}
	if act.Clear {
		fmt.Fprint(out, client.ClearScreen)
	}
	if len(act.Output) > 0 {
		if _, err := out.Write(act.Output); err != nil {
			return err
		}
	}
	if act.Request != "" {
		return mc.RequestSnapshot(view.Selected(), act.Request)
	}
	return nil
}

func forwardStdin(mc *client.MirrorClient, in io.Reader, detached chan<- struct{}) {
	defer close(detached)
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := buf[:n]
			for i, c := range data {
				if c == detachKey {
					if i > 0 {
						_ = mc.SendStdin("", append([]byte(nil), data[:i]...))
					}
					return
				}
			}
			// empty session: the broker routes to this mirror's selection
			if err := mc.SendStdin("", append([]byte(nil), data...)); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
