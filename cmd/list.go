package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	identities, err := DB.ListIdentities(ctx)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Println("No identities enrolled.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMBEDDER\tDIM\tSAMPLES\tUPDATED")
	fmt.Fprintln(w, "--\t----\t--------\t---\t-------\t-------")

	for _, id := range identities {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n", id.ID, id.Name, id.Embedder, id.Dim, id.Samples, id.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
