package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute the embedding of every known face",
	Long: `Send every stored face image to the embedding service again and replace
the stored embedding. Run this after switching MODEL or upgrading the
embedding service. Entries without a stored image keep their embedding.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(reindexCmd)

	reindexCmd.Flags().Bool("yes", false, "Skip confirmation prompt")
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	ctx := context.Background()

	svc, err := openService(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	total := svc.Store().Len()
	if total == 0 {
		fmt.Println("No known faces to reindex.")
		return nil
	}
	prompt := fmt.Sprintf("\nRecompute %d embedding(s) with model %s at %s? [y/N]: ", total, cfg.Recognition.Model, cfg.Embedding.URL)
	if !mustGetBool(cmd, "yes") && !confirmAction(prompt) {
		fmt.Println("Cancelled.")
		return nil
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Reindexing faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("faces"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	report, err := svc.Reindex(ctx, func(done, total int) {
		bar.ChangeMax(total)
		bar.Set(done)
	})
	bar.Finish()
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	fmt.Printf("Updated %d embedding(s)\n", report.Updated)
	if len(report.Failed) > 0 {
		fmt.Printf("Failed %d:\n", len(report.Failed))
		for _, f := range report.Failed {
			fmt.Printf("  %s: %s\n", f.Ref, f.Reason)
		}
	}
	return nil
}
