package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/persona/internal/utils"
	"github.com/spf13/cobra"
)

var listConfirmed bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the presence intervals in the journal",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd)
	},
}

func init() {
	listCmd.Flags().BoolVar(&listConfirmed, "confirmed", false, "Only show confirmed persons")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) {
	if Journal == nil {
		utils.Die("No journal configured", errors.New("--no-journal was given"), nil)
	}

	intervals, err := Journal.ListIntervals(cmd.Context(), listConfirmed)
	if err != nil {
		utils.Die("Failed to list intervals", err, nil)
	}

	if len(intervals) == 0 {
		fmt.Println("No presence intervals found in journal.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSOURCE\tPERSON\tFIRST SEEN\tLAST SEEN\tDURATION\tOBS\tSTATUS")
	fmt.Fprintln(w, "-------\t------\t------\t----------\t---------\t--------\t---\t------")

	for _, iv := range intervals {
		status := "pending"
		if iv.Confirmed {
			status = "confirmed"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			shortID(iv.SessionID), iv.Source, iv.PersonID,
			iv.FirstSeen.Local().Format("2006-01-02 15:04:05"),
			iv.LastSeen.Local().Format("2006-01-02 15:04:05"),
			fmtTime(iv.Duration().Seconds()), iv.Observations, status)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
