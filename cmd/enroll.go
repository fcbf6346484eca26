package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/quality"
	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
)

var enrollAppend bool

var enrollCmd = &cobra.Command{
	Use:   "enroll <name> <image_path>",
	Short: "Store the reference face of an identity",
	Long:  "Detects the face in the image and stores its embedding as the identity's reference. Enrolling again replaces it unless --append is set.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), strings.TrimSpace(args[0]), args[1], enrollAppend)
	},
}

func init() {
	enrollCmd.Flags().BoolVarP(&enrollAppend, "append", "a", false, "Average this sample into the existing reference instead of replacing it")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, name, imagePath string, appendSample bool) error {
	if name == "" {
		return fmt.Errorf("identity name must not be empty")
	}

	frame, err := capture.LoadFrame(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, engineConfig(Cfg.Engine))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := w.Detect(ctx, frame)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return fmt.Errorf("no face to enroll")
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the most confident one.\n", len(faces))
	}
	face := faces[0]

	q := quality.NewAssessor(qualityOptions(Cfg.Policy)).Assess(face)
	if q.Hard != quality.HardNone {
		err := fmt.Errorf("%s", q.Hard)
		utils.ShowError("Face is not usable as a reference", err, nil)
		return err
	}
	if !q.IsGoodQuality {
		fmt.Printf("⚠️  Reference quality is low (%.0f%%, %s). Matching may be unreliable.\n", q.Percent, q.Reason)
	}

	vec, embedder, err := recognition.Embed(ctx, frame, face)
	if err != nil {
		utils.ShowError("Failed to compute embedding", err, nil)
		return err
	}

	// Warn when the face already looks like somebody else.
	other, dist, err := DB.FindClosestIdentity(ctx, vec, string(embedder), 1-Cfg.Policy.MatchThreshold)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}
	if other != "" && other != name {
		fmt.Printf("⚠️  This face resembles %s (similarity %.2f).\n", other, 1-dist)
	}

	if appendSample {
		if err := DB.AddSample(ctx, name, string(embedder), vec); err != nil {
			utils.ShowError("Failed to add sample", err, nil)
			return err
		}
		fmt.Printf("✅ Added a sample to %s\n", name)
		return nil
	}

	id, err := DB.EnrollIdentity(ctx, name, string(embedder), vec)
	if err != nil {
		utils.ShowError("Failed to enroll identity", err, nil)
		return err
	}
	fmt.Printf("✅ Enrolled %s (ID: %d, %d-dim %s reference)\n", name, id, len(vec), embedder)
	return nil
}
