package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"github.com/vanpelt/rit/internal/broker"
	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/handlers"
	"github.com/vanpelt/rit/internal/logger"
	"github.com/vanpelt/rit/internal/middleware"
	"github.com/vanpelt/rit/internal/services"
	"github.com/vanpelt/rit/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "🚀 Start the session broker",
	Long: `# 🚀 Start the Broker

**Runs the HTTP and websocket server that owns every terminal session.**

## 🔌 Endpoints
- **/v1/terminal** - websocket view of a session (creates one when no session is given)
- **/v1/mirror** - websocket mirror: watch and type into any session
- **/v1/run**, **/v1/confirm** - send snippets through the dangerous-command gate
- **/v1/sessions** - list, create, rename, focus, close and terminate sessions
- **/v1/events** - server-sent session list updates

## 💾 State
Session names, readiness and a pending confirmation are kept under **~/.rit**
(**RIT_STATE_DIR**). Set **RIT_STORE=sqlite** to use SQLite instead of a JSON file.
Preferences are read from **settings.yaml** there and reloaded when it changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := config.Runtime
	if err := rc.EnsureStateDir(); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	settings := config.NewSettingsStore(rc.SettingsPath)
	if err := settings.Load(); err != nil {
		logger.Warnf("⚠️ Failed to load settings, using defaults: %v", err)
	}
	settings.OnChange(func(s config.Settings) {
		logger.Infof("✏️ Settings reloaded (confirm_on_danger=%t, confirm_before_close=%t)", s.ConfirmOnDanger, s.ConfirmBeforeClose)
	})
	if err := settings.Watch(ctx); err != nil {
		logger.Warnf("⚠️ Settings will not hot reload: %v", err)
	}

	st, err := store.Open(ctx, rc)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	b := broker.New(broker.Options{Store: st, Settings: settings.Get})
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	terminals := services.NewTerminalService(ctx, b, settings.Get, services.HelperOpener(ctx, rc))

	app := fiber.New(fiber.Config{
		AppName:               "rit",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(handlers.SamplingLogger(os.Stderr, map[string]uint64{"/v1/health": 10}))
	app.Use(middleware.NewAuthMiddleware(rc.AuthSecret, "/v1/health").RequireAuth)
	if rc.AuthSecret != "" {
		logger.Infof("🔐 API requires tokens signed with RIT_AUTH_SECRET")
	}

	v1 := app.Group("/v1")
	handlers.NewSessionsHandler(b).RegisterRoutes(v1)
	handlers.NewRunHandler(b).RegisterRoutes(v1)
	handlers.NewEventsHandler(b).RegisterRoutes(v1)
	handlers.NewHealthHandler(services.NewHealthService(rc), GetVersion()).RegisterRoutes(v1)
	handlers.NewMirrorHandler(ctx, b).RegisterRoutes(v1)
	handlers.NewTerminalHandler(b, terminals).RegisterRoutes(v1)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("✅ rit %s listening on %s (state: %s)", GetVersion(), brokerAddr, rc.StateDir)
		errCh <- app.Listen(brokerAddr)
	}()

	select {
	case err := <-errCh:
		_ = b.Shutdown(context.Background())
		_ = st.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Infof("🧹 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warnf("⚠️ HTTP shutdown: %v", err)
	}
	var errs []error
	if err := b.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := st.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
