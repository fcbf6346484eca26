package cmd

import (
	"github.com/spf13/cobra"
)

var snapOpts Options

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Mark attendance from a single still picture",
	Long: "Takes one picture after the camera warms up (or reads --image) and evaluates it once. " +
		"If no face is found you may still mark attendance, recorded as not face verified.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := snapOpts
		opts.Mode = "still"
		return runCapture(cmd.Context(), opts)
	},
}

func init() {
	addAdmissionFlags(snapCmd, &snapOpts)
	snapCmd.Flags().StringVar(&snapOpts.ImagePath, "image", "", "Use this image file instead of the camera")
	rootCmd.AddCommand(snapCmd)
}
