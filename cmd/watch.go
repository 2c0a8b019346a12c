package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/loader"
	"github.com/sw33tLie/plancache/pkg/storage"
)

// watchCmd implements: plancache watch
// Reloads the same date on an interval, or when the config file changes, and
// prints the plan whenever it changes. Reloads inside the staleness window do
// not hit the network.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep reloading a plan and print it when it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = 10 * time.Second
		}
		dateFlag, _ := cmd.Flags().GetString("date")
		raw, _ := cmd.Flags().GetBool("raw")
		jq, _ := cmd.Flags().GetString("jq")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			mu   sync.Mutex
			last json.RawMessage
			cur  json.RawMessage
		)
		l := loader.New(loader.Config{
			APIBase:   e.apiBase,
			Cache:     e.cache,
			Fetcher:   e.api,
			Staleness: e.staleness,
			Log:       utils.Log,
			Ports: loader.Ports{
				LastUpdated: loader.NewStoreSyncLog(e.store),
				LoadingState: func(flag loader.Flag, value bool) {
					utils.Log.Debugf("%s = %t", flag, value)
				},
				PlanData: func(p json.RawMessage) {
					mu.Lock()
					cur = p
					mu.Unlock()
				},
			},
		})
		defer l.Cancel()

		reload := func() {
			cal, _ := e.calendar(ctx, dateFlag)
			date := pickDate(dateFlag, cal)
			run := l.Load(ctx, loader.Request{
				SchoolID:     e.school,
				Date:         date,
				EnabledDates: cal.EnabledDates,
				FreeDays:     cal.FreeDays,
			})
			if run.Err() != nil {
				utils.Log.Warnf("Nothing to load for %s", date)
				return
			}
			run.Wait()

			st := l.State()
			utils.Log.Infof("%s: %s (%s)", date, st.Phase, describeVersion(l.Version()))
			if st.NetworkFailed {
				utils.Log.Warnf("Network load failed: %v", st.Reason)
			}

			mu.Lock()
			defer mu.Unlock()
			if cur != nil && !bytes.Equal(cur, last) {
				if err := printFiltered(cur, jq, raw); err != nil {
					utils.Log.Errorf("Could not print plan: %v", err)
				}
				last = cur
			}
		}

		// Edits to the config file trigger an immediate reload.
		changed := make(chan string, 1)
		viper.OnConfigChange(func(ev fsnotify.Event) {
			utils.Log.Debugf("Config file %s changed (%s)", ev.Name, ev.Op)
			select {
			case changed <- storage.NormalizeSchoolID(viper.GetString("school")):
			default:
			}
		})
		viper.WatchConfig()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		reload()
		for {
			select {
			case school := <-changed:
				if school != "" && school != e.school {
					utils.Log.Infof("Switching to school %s", school)
					e.school = school
				}
				reload()
			case <-ctx.Done():
				if ctx.Err() == context.Canceled {
					return nil
				}
				return ctx.Err()
			case <-ticker.C:
				reload()
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringP("date", "d", "", "Date to watch (YYYY-MM-DD). Defaults to the date suggested by the server")
	watchCmd.Flags().Duration("interval", 10*time.Second, "Time between reloads")
	watchCmd.Flags().String("jq", "", "Print only the results of this jq expression over the plan")
	watchCmd.Flags().Bool("raw", false, "Print payloads without indentation")
}
