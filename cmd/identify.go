package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/kozaktomas/face-watch/internal/recognition"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image>...",
	Short: "Identify the faces in images",
	Long: `Detect the faces in one or more images and match them against the known faces.

After each face you are asked for feedback (unless --no-feedback or --json):
  y  confirm the identification and save the face under that name
  c  correct it with another name
  u  mark the face as unknown
  s  skip

Examples:
  face-watch identify group.jpg
  face-watch identify --json *.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)

	identifyCmd.Flags().Bool("no-feedback", false, "Only print the identifications")
	identifyCmd.Flags().Bool("json", false, "Output as JSON (implies --no-feedback)")
	identifyCmd.Flags().Float64("tolerance", 0, "Override TOLERANCE for this run")
}

// identifiedImage is the JSON output for one image
type identifiedImage struct {
	File  string                 `json:"file"`
	Faces []recognition.Proposal `json:"faces"`
	Error string                 `json:"error,omitempty"`
}

func runIdentify(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	interactive := !jsonOutput && !mustGetBool(cmd, "no-feedback")

	cfg := config.Load()
	if tol := mustGetFloat64(cmd, "tolerance"); tol > 0 {
		cfg.Recognition.Tolerance = tol
	}
	ctx := context.Background()

	// keep stdout clean for the JSON document
	progress := cmd.OutOrStdout()
	if jsonOutput {
		progress = cmd.ErrOrStderr()
	}
	svc, err := openService(ctx, cfg, progress)
	if err != nil {
		return err
	}
	defer svc.Close()

	if interactive && !svc.Feedback().Enabled() {
		fmt.Println("Feedback loop is disabled (FEEDBACK_LOOP=false), answers will not change the database")
	}

	reader := bufio.NewReader(os.Stdin)
	var results []identifiedImage
	for _, path := range args {
		res := identifiedImage{File: path}
		data, err := os.ReadFile(path)
		if err == nil {
			res.Faces, err = svc.IdentifyImage(ctx, data)
		}
		if err != nil {
			res.Error = err.Error()
			if !jsonOutput {
				fmt.Printf("%s: %v\n", path, err)
			}
			results = append(results, res)
			continue
		}
		results = append(results, res)
		if jsonOutput {
			continue
		}

		fmt.Printf("\n%s: %d face(s)\n", path, len(res.Faces))
		for i, p := range res.Faces {
			fmt.Printf("  Face %d: %s\n", i+1, describeResult(p.Result))
			if interactive {
				if err := askFeedback(ctx, svc, reader, p); err != nil {
					return err
				}
			}
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return nil
}

// describeResult renders a match result for the terminal.
func describeResult(r facematch.MatchResult) string {
	switch {
	case r.Confirmed:
		return fmt.Sprintf("%s (confidence %d%%, distance %.3f)", r.Label, r.ConfidencePercent(), r.Distance)
	case r.BestEntryID != "":
		return fmt.Sprintf("unknown, nearest %s (confidence %d%%, distance %.3f)", r.NearestLabel, r.ConfidencePercent(), r.Distance)
	default:
		return "unknown, no similar known face"
	}
}

// askFeedback prompts until a decision is applied or skipped.
func askFeedback(ctx context.Context, svc *recognition.Service, reader *bufio.Reader, p recognition.Proposal) error {
	for {
		prompt := "    [y]es / [c]orrect / [u]nknown / [s]kip: "
		if p.Result.Label.IsUnknown() {
			prompt = "    [c]orrect / [u]nknown / [s]kip: "
		}
		answer, err := readLine(reader, prompt)
		if err != nil {
			return err
		}
		if answer == "" {
			answer = "skip"
		}
		if answer == "c" {
			answer = "correct"
		}

		action, err := recognition.ParseAction(answer)
		if err != nil {
			fmt.Printf("    %v\n", err)
			continue
		}

		d := recognition.Decision{Action: action}
		if action == recognition.ActionCorrect {
			name, err := readLine(reader, "    Name: ")
			if err != nil {
				return err
			}
			d.Label = facematch.Named(name)
		}

		outcome, err := svc.SubmitFeedback(ctx, p.Ref, d)
		if errors.Is(err, recognition.ErrLabelRequired) {
			fmt.Println("    A name is required")
			continue
		}
		if err != nil {
			fmt.Printf("    Failed: %v\n", err)
			return nil
		}
		fmt.Printf("    %s", outcome.StateName)
		if outcome.Save != nil {
			if outcome.Save.Deduplicated {
				fmt.Printf(", already known as entry %s", outcome.Save.EntryID)
			} else {
				fmt.Printf(", saved as entry %s", outcome.Save.EntryID)
			}
		}
		if outcome.RelabeledID != "" {
			fmt.Printf(", renamed entry %s", outcome.RelabeledID)
		}
		fmt.Println()
		return nil
	}
}

func readLine(reader *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}
