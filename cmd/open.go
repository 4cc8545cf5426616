package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/encoder"
	"github.com/kozaktomas/face-watch/internal/recognition"

	// Storage backends register themselves by DATABASE_URL scheme.
	_ "github.com/kozaktomas/face-watch/internal/database/filesystem"
	_ "github.com/kozaktomas/face-watch/internal/database/mariadb"
	_ "github.com/kozaktomas/face-watch/internal/database/postgres"
)

// openService connects the encoder, opens the configured storage and loads the known faces.
func openService(ctx context.Context, cfg *config.Config, out io.Writer) (*recognition.Service, error) {
	enc := encoder.NewClient(cfg.Embedding.URL, cfg.Recognition.Model)

	if cfg.Storage.DatabaseURL == "" {
		fmt.Fprintf(out, "Loading known faces from %s...\n", cfg.Storage.FaceDatabaseDir)
	} else {
		fmt.Fprintln(out, "Loading known faces from database...")
	}

	svc, report, err := recognition.Open(ctx, cfg, enc, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open known faces database: %w", err)
	}

	fmt.Fprintf(out, "Loaded %d known face(s)", report.Loaded)
	if len(report.Skipped) > 0 {
		fmt.Fprintf(out, ", skipped %d", len(report.Skipped))
	}
	fmt.Fprintln(out)
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "  skipped %s: %s\n", s.Ref, s.Reason)
	}
	return svc, nil
}
