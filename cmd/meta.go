package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/plancache/pkg/loader"
)

// metaCmd prints the school calendar as the server reports it.
var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Prints the school calendar: plan dates, free days and revisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		cal, err := e.api.FetchMeta(cmd.Context(), e.apiBase, e.school)
		if err != nil {
			return err
		}

		fmt.Printf("School %s, suggested date %s\n\n", e.school, cal.ClosestDate)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DATE\tLOADABLE\tREVISIONS\tLATEST\t")
		for _, d := range cal.EnabledDates {
			latest, _ := cal.LatestRevision(d)
			fmt.Fprintf(w, "%s\t%t\t%d\t%s\t\n", d, loader.DateEnabled(cal.EnabledDates, cal.FreeDays, d), len(cal.Revisions[d]), latest)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(cal.FreeDays) > 0 {
			fmt.Printf("\nFree days: %d\n", len(cal.FreeDays))
			for _, d := range cal.FreeDays {
				fmt.Println(d)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(metaCmd)
}
