package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/constants"
	"github.com/kozaktomas/face-watch/internal/web"
	"github.com/kozaktomas/face-watch/internal/web/middleware"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Face Watch HTTP API.

The API identifies faces in uploaded images, accepts feedback on the
results and maintains the known faces database. When API_KEYS_FILE is
set every endpoint except /health requires an X-Api-Key header.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().String("api-keys", "", "File with one API key per line (overrides API_KEYS_FILE)")
}

// resolveServeOptions applies command line flags on top of the loaded configuration.
func resolveServeOptions(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
	if keys := mustGetString(cmd, "api-keys"); keys != "" {
		cfg.Web.APIKeysFile = keys
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	resolveServeOptions(cmd, cfg)

	var apiKeys []string
	if cfg.Web.APIKeysFile != "" {
		keys, err := middleware.LoadAPIKeys(cfg.Web.APIKeysFile)
		if err != nil {
			return err
		}
		apiKeys = keys
		fmt.Printf("API key authentication enabled (%d key(s))\n", len(apiKeys))
	} else {
		fmt.Println("Warning: API_KEYS_FILE not set, the API is open to anyone who can reach it")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := openService(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	server := web.NewServer(cfg, svc, apiKeys, slog.Default())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Watch API on http://%s:%d (model %s, tolerance %.2f)\n",
		cfg.Web.Host, cfg.Web.Port, cfg.Recognition.Model, cfg.Recognition.Tolerance)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
