package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [identity]",
	Short: "Show recent attendance records",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		identity := ""
		if len(args) == 1 {
			identity = args[0]
		}
		runHistory(cmd.Context(), identity, historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 50, "Maximum number of records to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, identity string, limit int) {
	records, err := DB.ListAttendance(ctx, identity, limit)
	if err != nil {
		utils.Die("Failed to list attendance", err, nil)
	}

	if len(records) == 0 {
		fmt.Println("No attendance records found.")
		return
	}
	printHistory(os.Stdout, records)
}

func printHistory(out io.Writer, records []types.AttendanceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RECORDED\tIDENTITY\tLOCATION\tVERIFIED\tCAPTURE")
	fmt.Fprintln(w, "--------\t--------\t--------\t--------\t-------")

	for _, r := range records {
		verified := "no"
		if r.FaceVerified {
			verified = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%.5f, %.5f\t%s\t%s\n",
			r.RecordedAt.Local().Format("2006-01-02 15:04:05"),
			r.Identity,
			r.Latitude, r.Longitude,
			verified,
			shortID(r.CaptureID),
		)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
