package loader

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sw33tLie/plancache/pkg/cache"
	"github.com/sw33tLie/plancache/pkg/planapi"
	"github.com/sw33tLie/plancache/pkg/storage"
)

type flagEvent struct {
	Flag  Flag
	Value bool
}

// recorder captures everything the loader reports through its ports.
type recorder struct {
	mu       sync.Mutex
	events   []flagEvent
	payloads []string
}

func (r *recorder) ports() Ports {
	return Ports{
		LoadingState: func(flag Flag, value bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, flagEvent{flag, value})
		},
		PlanData: func(payload json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.payloads = append(r.payloads, string(payload))
		},
	}
}

func (r *recorder) flags() map[Flag]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[Flag]bool{}
	for _, e := range r.events {
		out[e.Flag] = e.Value
	}
	return out
}

func (r *recorder) eventList() []flagEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flagEvent(nil), r.events...)
}

func (r *recorder) payloadList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

// planFetcher answers from a function and counts calls.
type planFetcher struct {
	calls int32
	fn    func(ctx context.Context, date, revision string) (planapi.PlanResult, error)
}

func (f *planFetcher) FetchRevision(ctx context.Context, apiBase, schoolID, date, revision string) (planapi.PlanResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, date, revision)
}

func (f *planFetcher) count() int { return int(atomic.LoadInt32(&f.calls)) }

func okPlan(payload string) func(context.Context, string, string) (planapi.PlanResult, error) {
	return func(context.Context, string, string) (planapi.PlanResult, error) {
		return planapi.PlanResult{Payload: json.RawMessage(payload), RevisionID: "rev-1"}, nil
	}
}

// gatedCache delays reads until released.
type gatedCache struct {
	*cache.Manager
	gate chan struct{}
}

func (g *gatedCache) Read(ctx context.Context, schoolID, date string) (storage.Snapshot, cache.Status, error) {
	<-g.gate
	return g.Manager.Read(ctx, schoolID, date)
}

// hookedCache runs hook before every write.
type hookedCache struct {
	*cache.Manager
	hook func(date string)
}

func (h *hookedCache) Write(ctx context.Context, schoolID, date string, payload json.RawMessage, revisionID string) (cache.WriteResult, error) {
	h.hook(date)
	return h.Manager.Write(ctx, schoolID, date, payload, revisionID)
}

func newManager() *cache.Manager {
	return cache.New(cache.Config{Store: storage.NewMemory()})
}

var (
	enabled  = []string{"2024-03-08", "2024-03-11", "2024-03-12"}
	freeDays = []string{"2024-03-29", "2024-07-20"}
)

func req(date string) Request {
	return Request{SchoolID: "10000000", Date: date, EnabledDates: enabled, FreeDays: freeDays}
}
