package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/kozaktomas/face-watch/internal/config"
	"github.com/kozaktomas/face-watch/internal/facematch"
	"github.com/spf13/cobra"
)

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Manage the known faces database",
}

var facesListCmd = &cobra.Command{
	Use:   "list [name]",
	Short: "List people, or the entries of one person",
	Long: `Without arguments, list every person and how many faces are saved for them.
With a name, list that person's entries. Use --unknown for unconfirmed faces.

Examples:
  face-watch faces list
  face-watch faces list "Jan Novák"
  face-watch faces list --unknown`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFacesList,
}

var facesDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete entries and their stored images",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFacesDelete,
}

var facesLabelCmd = &cobra.Command{
	Use:   "label <id> [name]",
	Short: "Rename an entry",
	Long: `Assign an entry to a person. Without a name the entry becomes unknown.

Example:
  face-watch faces label 01929f5e-7a1c-7c3e-9d2b-5b8f0a1c2d3e "Jan Novák"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFacesLabel,
}

var facesSaveCmd = &cobra.Command{
	Use:   "save <image> [name]",
	Short: "Save the single face in an image",
	Long: `Detect the face in an image and save it to the database.
The image must contain exactly one face. Without a name the face is saved as unknown.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFacesSave,
}

var facesSimilarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "List the known faces closest to an entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runFacesSimilar,
}

func init() {
	rootCmd.AddCommand(facesCmd)
	facesCmd.AddCommand(facesListCmd, facesDeleteCmd, facesLabelCmd, facesSaveCmd, facesSimilarCmd)

	facesListCmd.Flags().Bool("unknown", false, "List unconfirmed faces")
	facesDeleteCmd.Flags().Bool("yes", false, "Skip confirmation prompt")
	facesSimilarCmd.Flags().Int("limit", 10, "Maximum number of faces")
}

func confirmAction(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

func runFacesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openService(ctx, config.Load(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	if len(args) == 0 && !mustGetBool(cmd, "unknown") {
		labels := svc.Labels()
		fmt.Printf("\n%-40s %s\n", "NAME", "FACES")
		for _, l := range labels {
			fmt.Printf("%-40s %d\n", l, len(svc.ListEntries(l)))
		}
		fmt.Printf("%-40s %d\n", "(unknown)", len(svc.ListEntries(facematch.Unknown)))
		fmt.Printf("\n%d person(s)\n", len(labels))
		return nil
	}

	label := facematch.Unknown
	if len(args) == 1 {
		label = facematch.Named(args[0])
	}
	entries := svc.ListEntries(label)
	fmt.Printf("\n%s: %d face(s)\n", label, len(entries))
	for _, e := range entries {
		fmt.Printf("  %s  %s\n", e.ID, e.Ref)
	}
	return nil
}

func runFacesDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openService(ctx, config.Load(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	if !mustGetBool(cmd, "yes") && !confirmAction(fmt.Sprintf("\nDelete %d face(s)? [y/N]: ", len(args))) {
		fmt.Println("Cancelled.")
		return nil
	}

	failed := 0
	for _, id := range args {
		if err := svc.DeleteEntry(ctx, id); err != nil {
			fmt.Printf("  %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("  %s: deleted\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("failed to delete %d of %d face(s)", failed, len(args))
	}
	return nil
}

func runFacesLabel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openService(ctx, config.Load(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	label := facematch.Unknown
	if len(args) == 2 {
		label = facematch.Named(args[1])
	}
	e, err := svc.LabelEntry(ctx, args[0], label)
	if err != nil {
		return fmt.Errorf("failed to label face: %w", err)
	}
	fmt.Printf("Entry %s is now %s (%s)\n", e.ID, e.Label, e.Ref)
	return nil
}

func runFacesSave(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	ctx := context.Background()
	svc, err := openService(ctx, config.Load(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	label := facematch.Unknown
	if len(args) == 2 {
		label = facematch.Named(args[1])
	}
	res, err := svc.SaveFace(ctx, data, label)
	if err != nil {
		return fmt.Errorf("failed to save face: %w", err)
	}
	if res.Deduplicated {
		fmt.Printf("Already known: entry %s of %s is %.3f away\n", res.EntryID, label, res.Distance)
		return nil
	}
	fmt.Printf("Saved %s as entry %s (%s)\n", label, res.EntryID, res.Ref)
	return nil
}

func runFacesSimilar(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openService(ctx, config.Load(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer svc.Close()

	e, ok := svc.Store().Get(args[0])
	if !ok {
		return fmt.Errorf("entry %s not found", args[0])
	}
	limit := mustGetInt(cmd, "limit")
	neighbors, err := svc.Similar(ctx, e.Embedding, limit+1)
	if err != nil {
		return err
	}

	tolerance := svc.Config().Tolerance
	fmt.Printf("\nFaces similar to %s (%s):\n", e.ID, e.Label)
	shown := 0
	for _, n := range neighbors {
		if n.Entry.ID == e.ID || shown == limit {
			continue
		}
		shown++
		marker := " "
		if n.Distance <= tolerance {
			marker = "*"
		}
		fmt.Printf(" %s %-36s  %-30s  %.3f\n", marker, n.Entry.ID, n.Entry.Label, n.Distance)
	}
	fmt.Printf("\n* within tolerance %.2f\n", tolerance)
	return nil
}
