package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/storage"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the local plan cache",
}

// cacheListCmd prints one row per cached school.
var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "Prints the cached schools with their number of plans and date range.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()

		stats, err := e.store.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("The plan cache is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SCHOOL\tPLANS\tOLDEST\tNEWEST\tLAST STORED\t")

		total := 0
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t\n", s.SchoolID, s.Count, s.OldestDate, s.NewestDate, s.LastStoreAt.Local().Format(time.DateTime))
			total += s.Count
		}
		fmt.Fprintln(w, " \t \t \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t \t \t \t\n", total)

		return w.Flush()
	},
}

// cacheCountCmd prints the cached dates of the configured school.
var cacheCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Prints how many plans are cached for the school, and for which dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		// Rebuild also trims a cache left over from a larger limit.
		if err := e.cache.Rebuild(cmd.Context(), e.school); err != nil {
			return err
		}
		dates, err := e.cache.Dates(cmd.Context(), e.school)
		if err != nil {
			return err
		}
		fmt.Printf("%d/%d plans cached for school %s\n", len(dates), e.cache.MaxCached(), e.school)
		for _, d := range dates {
			fmt.Println(d)
		}
		return nil
	},
}

// cacheClearCmd wipes the cache of every school.
var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Removes every cached plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		return e.writeLocked(ctx, func() error {
			return e.cache.Clear(ctx)
		})
	},
}

// cacheRmCmd removes single dates of the configured school.
var cacheRmCmd = &cobra.Command{
	Use:   "rm <date>...",
	Short: "Removes the cached plans of the given dates",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		dates := make([]string, 0, len(args))
		for _, arg := range args {
			date := storage.NormalizeDate(arg)
			if !storage.ValidDate(date) {
				return fmt.Errorf("invalid date %q", arg)
			}
			dates = append(dates, date)
		}

		ctx := cmd.Context()
		return e.writeLocked(ctx, func() error {
			for _, date := range dates {
				if err := e.cache.Delete(ctx, e.school, date); err != nil {
					return err
				}
				utils.Log.Infof("Removed %s/%s", e.school, date)
			}
			return nil
		})
	},
}

// cacheShellCmd opens the sqlite3 shell on the cache database.
var cacheShellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive sqlite3 shell on the cache database",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := utils.GetAbsDBPath(viper.GetString("db.path"))
		if err != nil {
			return err
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database file not found: %s", dbPath)
		}

		// Check if sqlite3 is in PATH
		sqlitePath, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("sqlite3 command not found in your PATH. Please install it to use the cache shell")
		}

		fmt.Println("--> Database schema:")
		schemaCmd := exec.Command(sqlitePath, dbPath, ".schema")
		schemaCmd.Stdout = os.Stdout
		schemaCmd.Stderr = os.Stderr
		if err := schemaCmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: couldn't retrieve schema: %v\n", err)
		}
		fmt.Println("\n--> Starting interactive shell... (Ctrl+D to exit)")

		c := exec.Command(sqlitePath, dbPath)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr

		return c.Run()
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheCountCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheRmCmd)
	cacheCmd.AddCommand(cacheShellCmd)
}
