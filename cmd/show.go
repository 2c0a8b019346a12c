package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/loader"
	"github.com/sw33tLie/plancache/pkg/planapi"
)

// showCmd implements: plancache show
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Load one plan, from the cache and the network, and print it",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		dateFlag, _ := cmd.Flags().GetString("date")
		revision, _ := cmd.Flags().GetString("revision")
		raw, _ := cmd.Flags().GetBool("raw")
		jq, _ := cmd.Flags().GetString("jq")

		ctx := cmd.Context()
		cal, _ := e.calendar(ctx, dateFlag)
		date := pickDate(dateFlag, cal)

		var (
			mu      sync.Mutex
			payload json.RawMessage
			syncLog loader.SyncLog
		)
		if revision == "" || revision == planapi.NewestRevision {
			syncLog = loader.NewStoreSyncLog(e.store)
		}
		l := loader.New(loader.Config{
			APIBase:   e.apiBase,
			Cache:     e.cache,
			Fetcher:   e.api,
			Staleness: e.staleness,
			Log:       utils.Log,
			Ports: loader.Ports{
				LastUpdated: syncLog,
				LoadingState: func(flag loader.Flag, value bool) {
					utils.Log.Debugf("%s = %t", flag, value)
				},
				PlanData: func(p json.RawMessage) {
					mu.Lock()
					payload = p
					mu.Unlock()
				},
			},
		})

		run := l.Load(ctx, loader.Request{
			SchoolID:     e.school,
			Date:         date,
			Revision:     revision,
			EnabledDates: cal.EnabledDates,
			FreeDays:     cal.FreeDays,
		})
		if errors.Is(run.Err(), loader.ErrSkipped) {
			return fmt.Errorf("no plan can be loaded for %s", date)
		}
		run.Wait()

		st := l.State()
		mu.Lock()
		defer mu.Unlock()
		if payload == nil {
			if st.Reason != nil {
				return fmt.Errorf("no plan for %s: %w", date, st.Reason)
			}
			return fmt.Errorf("no plan for %s", date)
		}

		utils.Log.Infof("Plan for school %s on %s (%s)", e.school, date, describeVersion(l.Version()))
		if st.NetworkFailed {
			utils.Log.Warnf("Network load failed: %v", st.Reason)
		}
		return printFiltered(payload, jq, raw)
	},
}

func describeVersion(v loader.PlanVersion) string {
	switch v {
	case loader.VersionDefaultPlan:
		return "placeholder plan"
	case loader.VersionCached:
		return "from cache"
	case loader.VersionNetworkCached:
		return "from network, cached"
	case loader.VersionNetworkUncached:
		return "from network, not cached"
	}
	return "version unknown"
}

func printPayload(p json.RawMessage, raw bool) error {
	if raw {
		_, err := fmt.Fprintln(os.Stdout, string(p))
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, p, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().StringP("date", "d", "", "Date to load (YYYY-MM-DD). Defaults to the date suggested by the server")
	showCmd.Flags().String("revision", planapi.NewestRevision, "Plan revision to load")
	showCmd.Flags().String("jq", "", "Print only the results of this jq expression over the plan")
	showCmd.Flags().Bool("raw", false, "Print the payload without indentation")
}
