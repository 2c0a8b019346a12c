package loader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/planapi"
	"github.com/sw33tLie/plancache/pkg/storage"
	"github.com/sw33tLie/plancache/pkg/whttp"
)

func TestDateEnabled(t *testing.T) {
	tests := []struct {
		date string
		want bool
	}{
		{"2024-03-11", true},  // listed
		{"2024-03-09", false}, // before the last listed date, not listed
		{"2024-03-13", true},  // trailing weekday before last free day
		{"2024-03-16", false}, // Saturday
		{"2024-03-17", false}, // Sunday
		{"2024-03-29", false}, // free day
		{"2024-07-22", false}, // after the last free day
		{"garbage", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DateEnabled(enabled, freeDays, tt.date), tt.date)
	}
	assert.False(t, DateEnabled(enabled, nil, "2024-03-13"))
	assert.False(t, DateEnabled(nil, freeDays, "2024-03-13"))
	assert.True(t, DateEnabled([]string{"2024-03-12", "2024-03-08"}, freeDays, "2024-03-13"))
}

func TestLoadSkipsWithoutCalendarOrDate(t *testing.T) {
	rec := &recorder{}
	f := &planFetcher{fn: okPlan(`{}`)}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: rec.ports()})

	for _, r := range []Request{
		// calendar unknown
		{SchoolID: "1", Date: "2024-03-11"},
		// no date
		{SchoolID: "1", Date: "", EnabledDates: enabled, FreeDays: freeDays},
		// weekend
		{SchoolID: "1", Date: "2024-03-16", EnabledDates: enabled, FreeDays: freeDays},
	} {
		run := l.Load(context.Background(), r)
		run.Wait()
		assert.ErrorIs(t, run.Err(), ErrSkipped)
	}
	assert.Empty(t, rec.eventList())
	assert.Zero(t, f.count())
	assert.Equal(t, Idle, l.State().Phase)
}

func TestEmptyCacheNetworkSuccessEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/10000000/plan", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"is_default_plan":false,"plans":{"forms":{"5a":[]}}}}`))
	}))
	defer srv.Close()
	hc, err := whttp.NewClient(whttp.Options{})
	require.NoError(t, err)

	rec := &recorder{}
	mgr := newManager()
	l := New(Config{
		APIBase: srv.URL + "/api/{school}",
		Cache:   mgr,
		Fetcher: planapi.NewClient(hc),
		Ports:   rec.ports(),
	})

	run := l.Load(context.Background(), req("2024-03-11"))
	run.Wait()
	require.NoError(t, run.Err())

	events := rec.eventList()
	require.NotEmpty(t, events)
	assert.Equal(t, flagEvent{FlagLoading, true}, events[0])
	flags := rec.flags()
	assert.False(t, flags[FlagLoading])
	assert.False(t, flags[FlagNetworkLoadFailed])
	assert.False(t, flags[FlagDataFromCache])
	assert.True(t, flags[FlagCachingSuccessful])
	assert.Equal(t, VersionNetworkCached, l.Version())

	payloads := rec.payloadList()
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"is_default_plan":false,"plans":{"forms":{"5a":[]}}}`, payloads[0])

	snap, st, err := mgr.Read(context.Background(), "10000000", "2024-03-11")
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, st)
	assert.JSONEq(t, payloads[0], string(snap.Payload))
}

func TestCachedPlanSurvivesNetworkFailure(t *testing.T) {
	mgr := newManager()
	_, err := mgr.Write(context.Background(), "10000000", "2024-03-11", json.RawMessage(`{"plans":"cached"}`), "rev-0")
	require.NoError(t, err)

	release := make(chan struct{})
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		<-release
		return planapi.PlanResult{}, &planapi.NetworkFailure{Message: "offline"}
	}}
	rec := &recorder{}
	l := New(Config{Cache: mgr, Fetcher: f, Ports: rec.ports()})

	run := l.Load(context.Background(), req("2024-03-11"))
	require.Eventually(t, func() bool { return rec.flags()[FlagDataFromCache] }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, rec.flags()[FlagLoading])
	assert.Equal(t, VersionCached, l.Version())

	close(release)
	run.Wait()

	flags := rec.flags()
	assert.True(t, flags[FlagNetworkLoadFailed])
	assert.False(t, flags[FlagLoading])
	assert.True(t, flags[FlagDataFromCache])
	assert.Equal(t, []string{`{"plans":"cached"}`}, rec.payloadList())
	assert.JSONEq(t, `{"plans":"cached"}`, string(l.Payload()))

	var nf *planapi.NetworkFailure
	require.True(t, errors.As(l.State().Reason, &nf))
	assert.Equal(t, "offline", nf.Message)
}

func TestNetworkFailureWithoutCache(t *testing.T) {
	f := &planFetcher{fn: func(context.Context, string, string) (planapi.PlanResult, error) {
		return planapi.PlanResult{}, errors.New("connection refused")
	}}
	rec := &recorder{}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: rec.ports()})
	l.Load(context.Background(), req("2024-03-11")).Wait()

	flags := rec.flags()
	assert.True(t, flags[FlagNetworkLoadFailed])
	assert.True(t, flags[FlagCacheLoadFailed])
	assert.False(t, flags[FlagLoading])
	assert.False(t, flags[FlagDataFromCache])
	assert.Empty(t, rec.payloadList())
	assert.Equal(t, Failed, l.State().Phase)
	assert.Equal(t, VersionUnknown, l.Version())
}

func TestSupersededNetworkLegIsNoOp(t *testing.T) {
	releaseA := make(chan struct{})
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		if date == "2024-03-11" {
			// Ignores cancellation and answers late.
			<-releaseA
			return planapi.PlanResult{Payload: json.RawMessage(`{"day":"A"}`)}, nil
		}
		return planapi.PlanResult{Payload: json.RawMessage(`{"day":"B"}`)}, nil
	}}
	mgr := newManager()
	rec := &recorder{}
	l := New(Config{Cache: mgr, Fetcher: f, Ports: rec.ports()})

	runA := l.Load(context.Background(), req("2024-03-11"))
	runB := l.Load(context.Background(), req("2024-03-12"))
	runB.Wait()
	close(releaseA)
	runA.Wait()

	assert.Equal(t, []string{`{"day":"B"}`}, rec.payloadList())
	assert.JSONEq(t, `{"day":"B"}`, string(l.Payload()))
	assert.Equal(t, ServedFromNetwork, l.State().Phase)

	_, st, err := mgr.Read(context.Background(), "10000000", "2024-03-11")
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, st, "superseded request must not write to the cache")
}

func TestSupersededCancellationIsNotFailure(t *testing.T) {
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		if date == "2024-03-11" {
			<-ctx.Done()
			return planapi.PlanResult{}, ctx.Err()
		}
		return planapi.PlanResult{Payload: json.RawMessage(`{"day":"B"}`)}, nil
	}}
	rec := &recorder{}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: rec.ports()})

	runA := l.Load(context.Background(), req("2024-03-11"))
	runB := l.Load(context.Background(), req("2024-03-12"))
	runA.Wait()
	runB.Wait()

	for _, e := range rec.eventList() {
		if e.Flag == FlagNetworkLoadFailed {
			assert.False(t, e.Value)
		}
	}
}

func TestStalenessWindowSkipsNetwork(t *testing.T) {
	now := time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := &planFetcher{fn: okPlan(`{"plans":{}}`)}
	rec := &recorder{}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: rec.ports(), Now: clock})

	l.Load(context.Background(), req("2024-03-11")).Wait()
	require.Equal(t, 1, f.count())

	now = now.Add(10 * time.Second)
	run := l.Load(context.Background(), req("2024-03-11"))
	flags := l.Flags()
	assert.True(t, flags.CachingSuccessful)
	assert.False(t, flags.DataFromCache)
	assert.False(t, flags.NetworkLoadFailed)
	assert.False(t, flags.Loading)
	assert.Equal(t, FakeOnline, l.State().Phase)
	run.Wait()
	assert.Equal(t, 1, f.count())
	// The fresh cache is still delivered to the caller.
	assert.Len(t, rec.payloadList(), 2)
	assert.False(t, l.Flags().DataFromCache)

	now = now.Add(31 * time.Second)
	l.Load(context.Background(), req("2024-03-11")).Wait()
	assert.Equal(t, 2, f.count())
}

func TestDefaultPlanIsNeverCached(t *testing.T) {
	f := &planFetcher{fn: func(context.Context, string, string) (planapi.PlanResult, error) {
		return planapi.PlanResult{Payload: json.RawMessage(`{"is_default_plan":true,"plans":{}}`), IsDefaultPlan: true}, nil
	}}
	mgr := newManager()
	rec := &recorder{}
	l := New(Config{Cache: mgr, Fetcher: f, Ports: rec.ports()})
	l.Load(context.Background(), req("2024-03-11")).Wait()

	_, st, err := mgr.Read(context.Background(), "10000000", "2024-03-11")
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, st)
	assert.False(t, rec.flags()[FlagCachingSuccessful])
	assert.Equal(t, VersionDefaultPlan, l.Version())

	// Not marked synced, so the next load fetches again.
	l.Load(context.Background(), req("2024-03-11")).Wait()
	assert.Equal(t, 2, f.count())
}

func TestEmptyPayloadIsNotCached(t *testing.T) {
	f := &planFetcher{fn: okPlan(`{}`)}
	mgr := newManager()
	l := New(Config{Cache: mgr, Fetcher: f})
	l.Load(context.Background(), req("2024-03-11")).Wait()

	n, err := mgr.Count(context.Background(), "10000000")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, VersionNetworkUncached, l.Version())
}

func TestLateCacheHitDoesNotOverrideNetwork(t *testing.T) {
	mgr := newManager()
	_, err := mgr.Write(context.Background(), "10000000", "2024-03-11", json.RawMessage(`{"v":"old"}`), "rev-0")
	require.NoError(t, err)
	gc := &gatedCache{Manager: mgr, gate: make(chan struct{})}

	f := &planFetcher{fn: okPlan(`{"v":"new"}`)}
	rec := &recorder{}
	l := New(Config{Cache: gc, Fetcher: f, Ports: rec.ports()})
	run := l.Load(context.Background(), req("2024-03-11"))

	require.Eventually(t, func() bool { return l.State().Phase == ServedFromNetwork }, 2*time.Second, 5*time.Millisecond)
	close(gc.gate)
	run.Wait()

	assert.Equal(t, []string{`{"v":"new"}`}, rec.payloadList())
	assert.False(t, l.Flags().DataFromCache)
	assert.True(t, l.Flags().CachingSuccessful)
}

func TestSpecificRevisionBypassesCache(t *testing.T) {
	mgr := newManager()
	_, err := mgr.Write(context.Background(), "10000000", "2024-03-11", json.RawMessage(`{"v":"cached"}`), "rev-0")
	require.NoError(t, err)

	var gotRevision string
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		gotRevision = revision
		return planapi.PlanResult{Payload: json.RawMessage(`{"v":"historic"}`), RevisionID: revision}, nil
	}}
	rec := &recorder{}
	l := New(Config{Cache: mgr, Fetcher: f, Ports: rec.ports()})
	r := req("2024-03-11")
	r.Revision = "2024-03-10T07:00:00"
	l.Load(context.Background(), r).Wait()

	assert.Equal(t, "2024-03-10T07:00:00", gotRevision)
	assert.Equal(t, []string{`{"v":"historic"}`}, rec.payloadList())
	snap, _, err := mgr.Read(context.Background(), "10000000", "2024-03-11")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"cached"}`, string(snap.Payload))
	assert.False(t, rec.flags()[FlagCachingSuccessful])
}

func TestUnavailableStorageDegradesToFlags(t *testing.T) {
	mgr := cache.New(cache.Config{Store: storage.Unavailable(errors.New("denied"))})
	f := &planFetcher{fn: okPlan(`{"plans":{}}`)}
	rec := &recorder{}
	l := New(Config{Cache: mgr, Fetcher: f, Ports: rec.ports()})
	l.Load(context.Background(), req("2024-03-11")).Wait()

	flags := rec.flags()
	assert.True(t, flags[FlagCacheLoadFailed])
	assert.False(t, flags[FlagCachingSuccessful])
	assert.False(t, flags[FlagNetworkLoadFailed])
	assert.Equal(t, VersionNetworkUncached, l.Version())
	assert.Len(t, rec.payloadList(), 1)
}

func TestRenewAbortPortCancelsRequest(t *testing.T) {
	var tokens []context.CancelFunc
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		<-ctx.Done()
		return planapi.PlanResult{}, ctx.Err()
	}}
	rec := &recorder{}
	ports := rec.ports()
	ports.RenewAbort = func() (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		tokens = append(tokens, cancel)
		return ctx, cancel
	}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: ports})

	run := l.Load(context.Background(), req("2024-03-11"))
	require.Len(t, tokens, 1)
	tokens[0]()
	run.Wait()

	// An abort nobody superseded is a failed load, not a pending one.
	flags := rec.flags()
	assert.False(t, flags[FlagLoading])
	assert.True(t, flags[FlagNetworkLoadFailed])
	assert.Equal(t, Failed, l.State().Phase)
	assert.ErrorIs(t, l.State().Reason, context.Canceled)
}

func TestParentDeadlineFailsLoad(t *testing.T) {
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		<-ctx.Done()
		return planapi.PlanResult{}, ctx.Err()
	}}
	rec := &recorder{}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: rec.ports()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l.Load(ctx, req("2024-03-11")).Wait()

	flags := l.Flags()
	assert.False(t, flags.Loading)
	assert.True(t, flags.NetworkLoadFailed)
	assert.False(t, rec.flags()[FlagLoading])
	assert.ErrorIs(t, l.State().Reason, context.DeadlineExceeded)
}

func TestSupersededDuringCacheWriteLeavesNoTrace(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mgr := newManager()
	hc := &hookedCache{Manager: mgr, hook: func(date string) {
		if date == "2024-03-11" {
			close(entered)
			<-release
		}
	}}
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		return planapi.PlanResult{Payload: json.RawMessage(`{"day":"` + date + `"}`), RevisionID: "rev-1"}, nil
	}}
	syncLog := NewMemorySyncLog()
	rec := &recorder{}
	ports := rec.ports()
	ports.LastUpdated = syncLog
	l := New(Config{Cache: hc, Fetcher: f, Ports: ports})

	runA := l.Load(context.Background(), req("2024-03-11"))
	<-entered
	runB := l.Load(context.Background(), req("2024-03-12"))
	runB.Wait()
	close(release)
	runA.Wait()

	_, st, err := mgr.Read(context.Background(), "10000000", "2024-03-11")
	require.NoError(t, err)
	assert.Equal(t, cache.Miss, st)
	_, marked := syncLog.LastSynced("10000000", "2024-03-11")
	assert.False(t, marked)

	_, st, err = mgr.Read(context.Background(), "10000000", "2024-03-12")
	require.NoError(t, err)
	assert.Equal(t, cache.Hit, st)
	_, marked = syncLog.LastSynced("10000000", "2024-03-12")
	assert.True(t, marked)
	assert.NotContains(t, rec.payloadList(), `{"day":"2024-03-11"}`)
	assert.JSONEq(t, `{"day":"2024-03-12"}`, string(l.Payload()))
	assert.True(t, l.Flags().CachingSuccessful)
}

func TestCancelReturnsToIdle(t *testing.T) {
	started := make(chan struct{})
	f := &planFetcher{fn: func(ctx context.Context, date, revision string) (planapi.PlanResult, error) {
		close(started)
		<-ctx.Done()
		return planapi.PlanResult{}, ctx.Err()
	}}
	rec := &recorder{}
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: rec.ports()})

	run := l.Load(context.Background(), req("2024-03-11"))
	<-started
	require.True(t, l.Flags().Loading)
	l.Cancel()
	run.Wait()

	assert.Equal(t, Idle, l.State().Phase)
	assert.False(t, l.Flags().Loading)
	flags := rec.flags()
	assert.False(t, flags[FlagLoading])
	assert.False(t, flags[FlagNetworkLoadFailed])
	assert.Empty(t, rec.payloadList())
}

func TestLastUpdatedFuncPort(t *testing.T) {
	marks := map[string]time.Time{}
	now := time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
	port := LastUpdatedFunc(func(date string, mark bool) time.Time {
		if mark {
			marks[date] = now
		}
		return marks[date]
	})
	f := &planFetcher{fn: okPlan(`{"plans":{}}`)}
	rec := &recorder{}
	ports := rec.ports()
	ports.LastUpdated = port
	l := New(Config{Cache: newManager(), Fetcher: f, Ports: ports, Now: func() time.Time { return now }})

	l.Load(context.Background(), req("2024-03-11")).Wait()
	assert.Equal(t, now, marks["2024-03-11"])
	l.Load(context.Background(), req("2024-03-11")).Wait()
	assert.Equal(t, 1, f.count())
}

func TestStoreSyncLogSurvivesRestart(t *testing.T) {
	now := time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.NewMemory()
	mgr := cache.New(cache.Config{Store: store, Now: clock})
	f := &planFetcher{fn: okPlan(`{"plans":{"forms":{}}}`)}

	first := New(Config{Cache: mgr, Fetcher: f, Now: clock})
	first.Load(context.Background(), req("2024-03-11")).Wait()
	require.Equal(t, 1, f.count())

	now = now.Add(10 * time.Second)
	rec := &recorder{}
	ports := rec.ports()
	ports.LastUpdated = NewStoreSyncLog(store)
	second := New(Config{Cache: mgr, Fetcher: f, Ports: ports, Now: clock})
	second.Load(context.Background(), req("2024-03-11")).Wait()

	assert.Equal(t, 1, f.count())
	assert.Equal(t, FakeOnline, second.State().Phase)
	assert.Equal(t, []string{`{"plans":{"forms":{}}}`}, rec.payloadList())

	_, ok := NewStoreSyncLog(store).LastSynced("10000000", "2024-03-12")
	assert.False(t, ok)
}

func TestVersion(t *testing.T) {
	assert.Equal(t, VersionDefaultPlan, Version(true, Flags{DataFromCache: true}))
	assert.Equal(t, VersionCached, Version(false, Flags{DataFromCache: true, NetworkLoadFailed: true}))
	assert.Equal(t, VersionUnknown, Version(false, Flags{NetworkLoadFailed: true}))
	assert.Equal(t, VersionNetworkCached, Version(false, Flags{CachingSuccessful: true}))
	assert.Equal(t, VersionNetworkUncached, Version(false, Flags{}))
}

func TestStateProjection(t *testing.T) {
	assert.Equal(t, Flags{Loading: true}, State{Phase: Loading}.Flags())
	assert.Equal(t, Flags{DataFromCache: true, NetworkLoadFailed: true}, State{Phase: ServedFromCache, NetworkFailed: true}.Flags())
	assert.Equal(t, Flags{CachingSuccessful: true}, State{Phase: FakeOnline, Cached: true}.Flags())
	assert.Equal(t, "served_from_network", ServedFromNetwork.String())
}
