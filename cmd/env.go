package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/plancache/internal/utils"
	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/planapi"
	"github.com/sw33tLie/plancache/pkg/storage"
	"github.com/sw33tLie/plancache/pkg/whttp"
)

// env bundles what the plan commands share: the API client, the cache and
// the resolved settings.
type env struct {
	school    string
	apiBase   string
	dbPath    string
	staleness time.Duration

	api      *planapi.Client
	store    *storage.DB
	storeErr error
	cache    *cache.Manager
	close    func()
}

// newEnv builds an env from viper. A store that cannot be opened does not
// fail the command; the cache then reports itself unavailable on every call.
func newEnv(cmd *cobra.Command, needSchool bool) (*env, error) {
	e := &env{
		school:  storage.NormalizeSchoolID(viper.GetString("school")),
		apiBase: viper.GetString("api.base"),
	}
	if needSchool && e.school == "" {
		return nil, errors.New("no school set. Use --school or the 'school' config key")
	}

	staleness, err := time.ParseDuration(viper.GetString("sync.staleness"))
	if err != nil {
		return nil, fmt.Errorf("invalid sync.staleness: %w", err)
	}
	e.staleness = staleness

	proxy, _ := cmd.Flags().GetString("proxy")
	hc, err := whttp.NewClient(whttp.Options{
		Retries:   viper.GetInt("api.retries"),
		Proxy:     proxy,
		UserAgent: "plancache",
		Log:       utils.Log,
	})
	if err != nil {
		return nil, err
	}
	session := viper.GetString("api.session")
	if session == "" && e.school != "" {
		if session, err = utils.LoadSession(e.school); err != nil {
			utils.Log.Debugf("Keyring unavailable: %v", err)
		}
	}
	if session != "" && e.school != "" {
		base, err := planapi.NormalizeAPIBase(e.apiBase, e.school)
		if err != nil {
			return nil, err
		}
		if err := hc.SetCookie(base, "sessionid", session); err != nil {
			return nil, err
		}
	}
	e.api = planapi.NewClient(hc)

	e.dbPath, err = utils.GetAbsDBPath(viper.GetString("db.path"))
	if err != nil {
		return nil, err
	}
	e.store, e.storeErr = openStore(e.dbPath)
	e.close = func() { e.store.Close() }

	e.cache = cache.New(cache.Config{
		Store:     e.store,
		MaxCached: viper.GetInt("cache.max_per_school"),
		Log:       utils.Log,
	})
	return e, nil
}

// openStore always returns a usable *storage.DB; when the database cannot be
// opened it is an unavailable one and the cause is returned alongside.
func openStore(path string) (*storage.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		utils.Log.Warnf("Plan cache disabled: %v", err)
		return storage.Unavailable(err), err
	}
	db, err := storage.Open(path)
	if err != nil {
		utils.Log.Warnf("Plan cache disabled: %v", err)
		return storage.Unavailable(err), err
	}
	return db, nil
}

// writeLocked runs a batch of cache writes under the cross-process write
// lock. Without a store there is nothing to guard and fn runs directly; the
// cache reports the store unavailable on its own.
func (e *env) writeLocked(ctx context.Context, fn func() error) error {
	if e.storeErr != nil {
		return fn()
	}
	return utils.WithWriteLock(ctx, e.dbPath, fn)
}

// calendar fetches the school calendar. When the API cannot be reached the
// requested date is assumed enabled so that a cached plan can still be
// served.
func (e *env) calendar(ctx context.Context, date string) (planapi.Calendar, bool) {
	cal, err := e.api.FetchMeta(ctx, e.apiBase, e.school)
	if err == nil {
		return cal, true
	}
	utils.Log.Warnf("Could not fetch calendar for school %s: %v", e.school, err)
	if date == "" {
		return planapi.Calendar{}, false
	}
	return planapi.Calendar{EnabledDates: []string{date}}, false
}

// pickDate resolves the date to load: the flag value, else the server's
// suggestion, else today.
func pickDate(flag string, cal planapi.Calendar) string {
	if d := storage.NormalizeDate(flag); storage.ValidDate(d) {
		return d
	}
	if cal.ClosestDate != "" {
		return storage.NormalizeDate(cal.ClosestDate)
	}
	return time.Now().Format("2006-01-02")
}
