package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/prompt"
	"github.com/andresmejia3/facegate/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all identities and attendance records",
	Run: func(cmd *cobra.Command, args []string) {
		var confirmer prompt.Confirmer = prompt.NewTerminal(os.Stdin, os.Stdout)
		if resetYes {
			confirmer = prompt.Auto{Answer: true}
		}

		ok, err := confirmer.Confirm(cmd.Context(), "⚠️  Are you sure you want to DROP all database tables?")
		if err != nil || !ok {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing Database...")
		if err := DB.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}
