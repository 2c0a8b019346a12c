// Package loader decides, for each requested school and date, whether to
// serve the cached plan, fetch a fresh one, or both, and reports progress
// through loading-state flags.
//
// Every Load bumps a generation counter. Cache and network completions carry
// the generation they were started with and are dropped when it is no longer
// current, so a slow answer for an old request never overwrites a newer one.
// The network leg of a superseded request is also cancelled.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/fetch"
	"github.com/sw33tLie/plancache/pkg/planapi"
	"github.com/sw33tLie/plancache/pkg/storage"
)

// DefaultStaleness is how long a successful sync makes a refetch of the same
// date unnecessary.
const DefaultStaleness = 30 * time.Second

// ErrSkipped is reported by Run.Err when the request did not pass the
// preconditions (unknown calendar, missing or disabled date).
var ErrSkipped = errors.New("load skipped")

// Cache is the part of cache.Manager the loader uses.
type Cache interface {
	Read(ctx context.Context, schoolID, date string) (storage.Snapshot, cache.Status, error)
	Write(ctx context.Context, schoolID, date string, payload json.RawMessage, revisionID string) (cache.WriteResult, error)
}

// Logger abstracts logging so callers can use logrus or anything with the
// same methods.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Config holds everything a Loader needs.
type Config struct {
	APIBase   string
	Cache     Cache
	Fetcher   planapi.Fetcher
	Ports     Ports
	Staleness time.Duration // defaults to DefaultStaleness if <= 0
	Log       Logger        // optional
	Now       func() time.Time
}

// Request is one call to Load.
type Request struct {
	SchoolID string
	Date     string
	// Revision defaults to planapi.NewestRevision.
	Revision string
	// EnabledDates nil means the calendar is not known yet.
	EnabledDates []string
	FreeDays     []string
}

// Loader is the per-view state machine. Callbacks in Ports must not call
// Load synchronously.
type Loader struct {
	cfg     Config
	log     Logger
	now     func() time.Time
	syncLog SyncLog
	coord   *fetch.Coordinator

	mu      sync.Mutex
	gen     uint64
	state   State
	payload json.RawMessage

	// emitMu keeps port notifications in transition order.
	emitMu  sync.Mutex
	emitted Flags
}

func New(cfg Config) *Loader {
	l := &Loader{cfg: cfg, log: cfg.Log, now: cfg.Now, syncLog: cfg.Ports.LastUpdated}
	if l.log == nil {
		l.log = nopLogger{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.syncLog == nil {
		l.syncLog = NewMemorySyncLog()
	}
	if l.cfg.Staleness <= 0 {
		l.cfg.Staleness = DefaultStaleness
	}
	l.coord = fetch.NewCoordinator(cfg.Fetcher, tokenSource(cfg.Ports.RenewAbort))
	return l
}

// Run tracks the legs started by one Load.
type Run struct {
	Generation uint64
	err        error
	wg         sync.WaitGroup
}

// Wait blocks until the cache and network legs of this run have settled.
func (r *Run) Wait() { r.wg.Wait() }

// Err is ErrSkipped when the request was a no-op.
func (r *Run) Err() error { return r.err }

// event is one notification for the ports.
type event struct {
	flags   []Flag
	values  Flags
	payload json.RawMessage
}

// Load starts loading req. It returns immediately; ctx bounds the cache and
// network legs and must outlive them.
func (l *Loader) Load(ctx context.Context, req Request) *Run {
	if req.Revision == "" {
		req.Revision = planapi.NewestRevision
	}
	req.SchoolID = storage.NormalizeSchoolID(req.SchoolID)
	req.Date = storage.NormalizeDate(req.Date)

	if req.EnabledDates == nil || req.Date == "" || !DateEnabled(req.EnabledDates, req.FreeDays, req.Date) {
		l.log.Debugf("Skipping load of %s/%s: date not enabled", req.SchoolID, req.Date)
		return &Run{err: ErrSkipped}
	}

	now := l.now()
	fresh := false
	if last, ok := l.syncLog.LastSynced(req.SchoolID, req.Date); ok && now.Sub(last) <= l.cfg.Staleness {
		fresh = true
	}

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.state = State{Phase: Loading}
	reset := l.state.Flags()
	if fresh {
		l.state = State{Phase: FakeOnline, Cached: true}
	}
	after := l.state.Flags()
	l.emitMu.Lock()
	l.mu.Unlock()
	// Reset announces every flag so observers start from a known state.
	l.deliverLocked(event{flags: AllFlags, values: reset})
	if fresh {
		l.deliverLocked(event{flags: after.changed(reset), values: after})
	}
	l.emitMu.Unlock()

	// The previous network leg belongs to a superseded request.
	l.coord.Cancel()

	run := &Run{Generation: gen}

	if req.Revision == planapi.NewestRevision {
		run.wg.Add(1)
		go func() {
			defer run.wg.Done()
			l.readCache(ctx, gen, req)
		}()
	}

	if fresh {
		l.log.Debugf("%s/%s synced less than %s ago, not fetching", req.SchoolID, req.Date, l.cfg.Staleness)
		return run
	}

	run.wg.Add(1)
	fut := l.coord.Issue(ctx, fetch.Request{
		APIBase:  l.cfg.APIBase,
		SchoolID: req.SchoolID,
		Date:     req.Date,
		Revision: req.Revision,
	}, func(tok context.Context, res fetch.Result) {
		l.onNetwork(tok, gen, req, res)
	})
	go func() {
		defer run.wg.Done()
		<-fut.Done()
	}()
	return run
}

// Cancel supersedes the active request without starting a new one. A
// request still loading goes back to Idle; data already delivered stays.
func (l *Loader) Cancel() {
	l.mu.Lock()
	l.gen++
	if l.state.Phase == Loading {
		l.state.Phase = Idle
	}
	next := l.state.Flags()
	l.emitMu.Lock()
	l.mu.Unlock()
	l.deliverLocked(event{flags: next.changed(l.emitted), values: next})
	l.emitMu.Unlock()

	l.coord.Cancel()
}

func (l *Loader) readCache(ctx context.Context, gen uint64, req Request) {
	snap, status, err := l.cfg.Cache.Read(ctx, req.SchoolID, req.Date)
	if err != nil {
		l.log.Warnf("Cache unavailable for %s/%s: %v", req.SchoolID, req.Date, err)
	}
	l.apply(gen, func(s *State) (json.RawMessage, bool) {
		if status != cache.Hit {
			s.CacheFailed = true
			return nil, false
		}
		switch s.Phase {
		case Loading, Failed:
			s.Phase = ServedFromCache
			s.CacheFailed = false
			s.DefaultPlan = false
			return snap.Payload, true
		case FakeOnline:
			s.DefaultPlan = false
			return snap.Payload, true
		}
		// The network already answered; it is authoritative.
		return nil, false
	})
}

// onNetwork handles the settled network leg. tok is the request token; it is
// cancelled as soon as the request is superseded, which aborts the cache
// write along with everything else the request does.
func (l *Loader) onNetwork(tok context.Context, gen uint64, req Request, res fetch.Result) {
	switch res.Outcome {
	case fetch.Succeeded:
		cached := false
		if req.Revision == planapi.NewestRevision && !res.Plan.IsDefaultPlan && !res.Plan.Empty() && l.current(gen) {
			wr, err := l.cfg.Cache.Write(tok, req.SchoolID, req.Date, res.Plan.Payload, res.Plan.RevisionID)
			switch {
			case !l.current(gen):
				l.log.Debugf("Dropping %s/%s: superseded while caching", req.SchoolID, req.Date)
				return
			case err != nil:
				l.log.Warnf("Could not cache %s/%s: %v", req.SchoolID, req.Date, err)
			case wr == cache.Rejected:
				l.log.Debugf("Not caching %s/%s: outranked by newer dates", req.SchoolID, req.Date)
			default:
				cached = true
				l.syncLog.MarkSynced(req.SchoolID, req.Date, l.now())
			}
		}
		l.apply(gen, func(s *State) (json.RawMessage, bool) {
			s.Phase = ServedFromNetwork
			s.NetworkFailed = false
			s.Reason = nil
			s.Cached = cached
			s.DefaultPlan = res.Plan.IsDefaultPlan
			return res.Plan.Payload, true
		})
	case fetch.Failed:
		l.log.Infof("Loading %s/%s from network failed: %v", req.SchoolID, req.Date, res.Err)
		l.apply(gen, func(s *State) (json.RawMessage, bool) {
			if s.Phase == Loading {
				s.Phase = Failed
			}
			s.NetworkFailed = true
			s.Reason = res.Err
			return nil, false
		})
	}
}

func (l *Loader) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return gen == l.gen
}

// apply runs fn on the state if gen is still current and notifies the ports
// of the resulting changes.
func (l *Loader) apply(gen uint64, fn func(s *State) (json.RawMessage, bool)) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	payload, emit := fn(&l.state)
	if emit {
		l.payload = payload
	}
	next := l.state.Flags()
	l.emitMu.Lock()
	l.mu.Unlock()
	defer l.emitMu.Unlock()

	ev := event{flags: next.changed(l.emitted), values: next}
	if emit {
		ev.payload = payload
		if ev.payload == nil {
			ev.payload = json.RawMessage(`{}`)
		}
	}
	l.deliverLocked(ev)
}

// deliverLocked must be called with emitMu held. The payload goes out before
// the flags so observers see the data when loading turns false.
func (l *Loader) deliverLocked(ev event) {
	if ev.payload != nil && l.cfg.Ports.PlanData != nil {
		l.cfg.Ports.PlanData(ev.payload)
	}
	for _, flag := range ev.flags {
		if l.cfg.Ports.LoadingState != nil {
			l.cfg.Ports.LoadingState(flag, ev.values.Get(flag))
		}
	}
	l.emitted = ev.values
}

// State returns the state of the active request.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Flags returns the current flag projection.
func (l *Loader) Flags() Flags {
	return l.State().Flags()
}

// Version classifies the data last delivered to PlanData.
func (l *Loader) Version() PlanVersion {
	s := l.State()
	return Version(s.DefaultPlan, s.Flags())
}

// Payload returns the data last delivered to PlanData, which stays the
// caller's data until a newer payload arrives.
func (l *Loader) Payload() json.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payload
}
