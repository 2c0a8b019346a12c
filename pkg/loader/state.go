package loader

import "fmt"

// Flag names the loading-state flags reported to the LoadingState port.
type Flag string

const (
	FlagLoading           Flag = "loading"
	FlagDataFromCache     Flag = "data_from_cache"
	FlagCacheLoadFailed   Flag = "cache_loading_failed"
	FlagNetworkLoadFailed Flag = "network_loading_failed"
	FlagCachingSuccessful Flag = "caching_successful"
)

// AllFlags lists the flags in the order they are emitted on reset.
var AllFlags = []Flag{FlagLoading, FlagDataFromCache, FlagCacheLoadFailed, FlagNetworkLoadFailed, FlagCachingSuccessful}

// Flags is the outward projection of a State.
type Flags struct {
	Loading           bool
	DataFromCache     bool
	CacheLoadFailed   bool
	NetworkLoadFailed bool
	CachingSuccessful bool
}

// Get returns the value of one flag.
func (f Flags) Get(flag Flag) bool {
	switch flag {
	case FlagLoading:
		return f.Loading
	case FlagDataFromCache:
		return f.DataFromCache
	case FlagCacheLoadFailed:
		return f.CacheLoadFailed
	case FlagNetworkLoadFailed:
		return f.NetworkLoadFailed
	case FlagCachingSuccessful:
		return f.CachingSuccessful
	}
	return false
}

// changed returns the flags whose value differs from prev.
func (f Flags) changed(prev Flags) []Flag {
	var out []Flag
	for _, flag := range AllFlags {
		if f.Get(flag) != prev.Get(flag) {
			out = append(out, flag)
		}
	}
	return out
}

// Phase is where a request is in its lifecycle.
type Phase int

const (
	Idle Phase = iota
	Loading
	ServedFromCache
	ServedFromNetwork
	// FakeOnline: the date was synced moments ago, so the network leg was
	// skipped and the cache is treated as fresh.
	FakeOnline
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case ServedFromCache:
		return "served_from_cache"
	case ServedFromNetwork:
		return "served_from_network"
	case FakeOnline:
		return "fake_online"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is the internal state of the active request. Only the combinations
// the transitions below produce are reachable, which is why the flags are
// derived from it instead of being set one by one.
type State struct {
	Phase Phase
	// CacheFailed is set when the cache leg missed or the store is unavailable.
	CacheFailed bool
	// NetworkFailed is set when the network leg failed. It survives a late
	// cache hit so the caller knows the data shown is not fresh.
	NetworkFailed bool
	// Cached is set when the network payload was written to the cache, or
	// when a recent sync made the network leg unnecessary.
	Cached bool
	// DefaultPlan is set when the last payload was a server placeholder.
	DefaultPlan bool
	// Reason is the network failure, if any.
	Reason error
}

// Flags projects s onto the five legacy flags.
func (s State) Flags() Flags {
	return Flags{
		Loading:           s.Phase == Loading,
		DataFromCache:     s.Phase == ServedFromCache,
		CacheLoadFailed:   s.CacheFailed,
		NetworkLoadFailed: s.NetworkFailed,
		CachingSuccessful: s.Cached,
	}
}

// PlanVersion classifies the data currently shown.
type PlanVersion string

const (
	VersionUnknown         PlanVersion = ""
	VersionDefaultPlan     PlanVersion = "default_plan"
	VersionCached          PlanVersion = "cached"
	VersionNetworkCached   PlanVersion = "network_cached"
	VersionNetworkUncached PlanVersion = "network_uncached"
)

// Version derives the plan version from the placeholder marker and flags.
func Version(isDefaultPlan bool, f Flags) PlanVersion {
	switch {
	case isDefaultPlan:
		return VersionDefaultPlan
	case f.DataFromCache:
		return VersionCached
	case f.NetworkLoadFailed:
		return VersionUnknown
	case f.CachingSuccessful:
		return VersionNetworkCached
	default:
		return VersionNetworkUncached
	}
}
