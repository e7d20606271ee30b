package pubsub

import "fmt"

// FilterKind tags the supported filter variants.
type FilterKind int

const (
	FilterScoped FilterKind = iota + 1
	FilterBroadcast
	FilterLookup
)

func (k FilterKind) String() string {
	switch k {
	case FilterScoped:
		return "scoped"
	case FilterBroadcast:
		return "broadcast"
	case FilterLookup:
		return "lookup"
	default:
		return "unknown"
	}
}

// Filter decides whether a publication reaches a subscriber.
// Build one with Scoped, Broadcast or Lookup.
type Filter struct {
	kind FilterKind

	// Scoped
	id string

	// Lookup
	loadKind string
	loadKey  func(Publication) string
	match    func(value any) bool
}

// Scoped matches publications whose Key equals id.
func Scoped(id string) Filter {
	return Filter{kind: FilterScoped, id: id}
}

// Broadcast matches every publication of the topic.
func Broadcast() Filter {
	return Filter{kind: FilterBroadcast}
}

// Lookup matches when match returns true for the value loaded under
// (kind, key(pub)). The load goes through the router's loader factory, one
// scope per publication, so all lookup subscribers share one batch.
// A missing entity is passed to match as nil.
func Lookup(kind string, key func(Publication) string, match func(value any) bool) Filter {
	return Filter{kind: FilterLookup, loadKind: kind, loadKey: key, match: match}
}

// Kind returns the filter variant.
func (f Filter) Kind() FilterKind { return f.kind }

// ID returns the identity of a scoped filter.
func (f Filter) ID() string { return f.id }

// Validate checks the filter is well formed.
func (f Filter) Validate() error {
	switch f.kind {
	case FilterScoped:
		if f.id == "" {
			return fmt.Errorf("%w: scoped filter needs an id", ErrInvalidFilter)
		}
	case FilterBroadcast:
	case FilterLookup:
		if f.loadKind == "" || f.loadKey == nil || f.match == nil {
			return fmt.Errorf("%w: lookup filter needs kind, key and match", ErrInvalidFilter)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidFilter, f.kind)
	}
	return nil
}

// matchDirect evaluates filters that need no data. ok is false for lookups.
func (f Filter) matchDirect(pub Publication) (matched, ok bool) {
	switch f.kind {
	case FilterScoped:
		return pub.Key == f.id, true
	case FilterBroadcast:
		return true, true
	default:
		return false, false
	}
}

func (f Filter) String() string {
	switch f.kind {
	case FilterScoped:
		return "scoped(" + f.id + ")"
	case FilterLookup:
		return "lookup(" + f.loadKind + ")"
	default:
		return f.kind.String()
	}
}
