package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sightline-dev/sightline/internal/overlay"
	"github.com/sightline-dev/sightline/internal/server"
	"github.com/sightline-dev/sightline/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session endpoint for in-page shims",
	Long:  `Starts the WebSocket session endpoint. Each connected page gets its own DOM mirror and overlay pipeline; hover, definition, and decoration patches stream back over the same socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort > 0 {
			cfg.ListenPort = servePort
		}

		registry, err := buildRegistry(cfg)
		if err != nil {
			return fmt.Errorf("building host registry: %w", err)
		}

		be, cache, err := newBackend(cfg)
		if err != nil {
			return err
		}
		defer cache.Close()

		handler := session.NewHandler(registry, be, cfg.AllowedOrigins,
			overlay.WithViewportMargin(cfg.ViewportMarginPx))

		srv := server.New(server.Config{
			Port:           cfg.ListenPort,
			AllowedOrigins: cfg.AllowedOrigins,
		}, handler.Routes())

		// Graceful shutdown.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			srv.Shutdown(context.Background())
		}()

		fmt.Fprintf(os.Stderr, "sightline v%s starting on port %d\n", Version, cfg.ListenPort)
		fmt.Fprintf(os.Stderr, "  Backend: %s\n", cfg.BackendURL)
		fmt.Fprintf(os.Stderr, "  Hosts: %v\n", cfg.Hosts.Enabled)

		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
