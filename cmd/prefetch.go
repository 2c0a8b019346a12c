package cmd

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/loader"
	"github.com/sw33tLie/plancache/pkg/planapi"
	"github.com/sw33tLie/plancache/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// prefetchCmd implements: plancache prefetch
// Flags:
//
//	--date strings      Dates to fetch (default: upcoming enabled dates)
//	--concurrency int   Number of concurrent fetches
var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Fetch upcoming plans into the cache for offline use",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd, true)
		if err != nil {
			return err
		}
		defer e.close()

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency < 1 {
			concurrency = 1
		}
		explicit, _ := cmd.Flags().GetStringSlice("date")

		ctx := cmd.Context()
		cal, err := e.api.FetchMeta(ctx, e.apiBase, e.school)
		if err != nil {
			return fmt.Errorf("could not fetch calendar: %w", err)
		}

		dates := prefetchDates(cal, explicit, time.Now().Format("2006-01-02"), e.cache.MaxCached())
		if len(dates) == 0 {
			utils.Log.Info("No upcoming plans to prefetch.")
			return nil
		}

		return e.writeLocked(ctx, func() error {
			n, err := prefetch(ctx, e.api, e.cache, e.apiBase, e.school, dates, concurrency)
			utils.Log.Infof("Cached %d of %d plans for school %s", n, len(dates), e.school)
			return err
		})
	},
}

// prefetchDates picks the dates to fetch: the explicit ones that the
// calendar allows, or else the enabled dates from today on. At most limit
// dates are returned, earliest first.
func prefetchDates(cal planapi.Calendar, explicit []string, today string, limit int) []string {
	var dates []string
	if len(explicit) > 0 {
		for _, arg := range explicit {
			d := storage.NormalizeDate(arg)
			if !storage.ValidDate(d) || !loader.DateEnabled(cal.EnabledDates, cal.FreeDays, d) {
				utils.Log.Warnf("Skipping %q: not a school day with a plan", arg)
				continue
			}
			dates = append(dates, d)
		}
	} else {
		for _, d := range cal.EnabledDates {
			if d >= today && loader.DateEnabled(cal.EnabledDates, cal.FreeDays, d) {
				dates = append(dates, d)
			}
		}
	}
	sort.Strings(dates)
	dates = utils.DedupeSorted(dates)
	if limit > 0 && len(dates) > limit {
		dates = dates[:limit]
	}
	return dates
}

// prefetch fetches the newest revision of every date and writes it to the
// cache. Placeholder and empty plans are skipped. It returns how many plans
// were cached; a failed date does not stop the others.
func prefetch(ctx context.Context, f planapi.Fetcher, c *cache.Manager, apiBase, school string, dates []string, concurrency int) (int, error) {
	var cached int32
	var failed int32

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, date := range dates {
		date := date
		g.Go(func() error {
			res, err := f.FetchRevision(ctx, apiBase, school, date, planapi.NewestRevision)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				utils.Log.Warnf("Fetching %s failed: %v", date, err)
				atomic.AddInt32(&failed, 1)
				return nil
			}
			if res.IsDefaultPlan || res.Empty() {
				utils.Log.Debugf("Not caching %s: no published plan yet", date)
				return nil
			}
			wr, err := c.Write(ctx, school, date, res.Payload, res.RevisionID)
			if err != nil {
				return fmt.Errorf("caching %s: %w", date, err)
			}
			if wr == cache.Ok {
				atomic.AddInt32(&cached, 1)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil && failed > 0 {
		err = fmt.Errorf("%d of %d plans could not be fetched", failed, len(dates))
	}
	return int(cached), err
}

func init() {
	rootCmd.AddCommand(prefetchCmd)
	prefetchCmd.Flags().StringSlice("date", nil, "Dates to fetch (YYYY-MM-DD). Defaults to upcoming plans")
	prefetchCmd.Flags().IntP("concurrency", "c", 3, "Number of concurrent fetches")
}
