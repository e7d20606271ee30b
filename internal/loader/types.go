package loader

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrScopeClosed = errors.New("loader scope closed")
	ErrUnknownKind = errors.New("no batch function registered for kind")
	ErrResultCount = errors.New("batch result count does not match key count")

	errWindowState = errors.New("batch window already dispatched")
)

// Result is the outcome for one key of a batch. A nil Value with a nil Err
// means the key was not found.
type Result struct {
	Value any
	Err   error
}

// Found wraps a value as a successful Result.
func Found(v any) Result { return Result{Value: v} }

// Missing is the Result for a key with no backing entity.
func Missing() Result { return Result{} }

// BatchFunc fetches all keys of one window. The returned slice must have the
// same length as keys and be aligned with it by position.
type BatchFunc func(ctx context.Context, keys []string) ([]Result, error)

// BatchError is delivered to every waiter of a window whose BatchFunc failed.
type BatchError struct {
	Kind string
	Keys int
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch fetch %s (%d keys): %v", e.Kind, e.Keys, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Config configures batching behaviour for a Scope.
type Config struct {
	Wait             time.Duration // Debounce before an automatic flush (0 = explicit Flush only)
	MaxBatch         int           // Max distinct keys per window (0 = unbounded)
	FlushConcurrency int           // Max kinds fetched in parallel during one Flush
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Wait:             0,
		MaxBatch:         0,
		FlushConcurrency: 4,
	}
}

// KindStats counts activity for one kind within a scope.
type KindStats struct {
	Batches   int // BatchFunc calls
	Keys      int // Keys sent to BatchFunc
	CacheHits int // Loads answered from resolved entries
	Dedups    int // Loads joined to a pending entry
	Failures  int // Windows that failed as a whole
}

// Observer receives one callback per dispatched window.
type Observer interface {
	ObserveBatch(kind string, keys int, duration time.Duration, err error)
}

// windowState is the lifecycle of a batch window.
type windowState int

const (
	stateCollecting windowState = iota
	stateFlushing
	stateResolved
)

func (s windowState) String() string {
	switch s {
	case stateCollecting:
		return "collecting"
	case stateFlushing:
		return "flushing"
	case stateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}
