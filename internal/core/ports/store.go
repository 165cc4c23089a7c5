package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// Record is the persisted layout of one location. Geohash doubles as the
// store's native order key so range subscriptions retrieve contiguous hash
// prefixes; adapters write it both as the indexed order field and as the "g"
// attribute of the stored value, alongside "l" = [lat, lon] and the optional
// opaque "d" document.
type Record struct {
	Geohash  string
	Location domain.GeoPoint
	Document json.RawMessage
}

// LocationSnapshot is one location as read back from the store.
type LocationSnapshot struct {
	Key      string
	Geohash  string
	Location domain.GeoPoint
	Document json.RawMessage
}

// ChangeKind classifies a range subscription notification.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one push notification from a range subscription. Removed changes
// carry only the key.
type Change struct {
	Kind     ChangeKind
	Snapshot LocationSnapshot
}

// WriteOp is one entry of a batched write: a put when Record is non-nil, a
// delete otherwise.
type WriteOp struct {
	Key    string
	Record *Record
}

// ChangeFunc receives range subscription notifications.
type ChangeFunc func(Change)

// ReadyFunc signals that a range subscription has delivered its initial
// snapshot. Invoked exactly once per subscription.
type ReadyFunc func()

// CancelFunc tears down a subscription. Idempotent.
type CancelFunc func()

// LocationStore is the document-store collaborator the query engine runs
// against. Implementations must deliver, per subscription: every currently
// stored location whose geohash falls in [start, end] (added), then one
// ready signal, then live added/modified/removed changes relative to that
// subscription's own view of the range — a key whose geohash leaves the
// range is removed for that subscription even while it remains in the store.
// Change delivery is at-least-once; duplicate added/modified notifications
// are harmless to the engine. Errors are returned as-is, never retried here.
type LocationStore interface {
	// Get returns the current snapshot for key, or nil when absent.
	Get(ctx context.Context, key string) (*LocationSnapshot, error)
	Put(ctx context.Context, key string, rec Record) error
	Delete(ctx context.Context, key string) error
	// BatchWrite applies ops in order. Atomicity is the adapter's
	// contract: Postgres applies one transaction, Valkey is atomic per
	// key only.
	BatchWrite(ctx context.Context, ops []WriteOp) error
	SubscribeRange(ctx context.Context, start, end string, onChange ChangeFunc, onReady ReadyFunc) (CancelFunc, error)
}

// Scheduler abstracts timers so the engine's garbage collection is
// deterministic under test.
type Scheduler interface {
	// ScheduleRepeating runs fn every interval until the returned stop
	// function is called.
	ScheduleRepeating(interval time.Duration, fn func()) (stop CancelFunc)
	// ScheduleOnce runs fn once after delay unless cancelled first.
	ScheduleOnce(delay time.Duration, fn func()) (cancel CancelFunc)
}

// VisitRepository persists zone visits recorded by the alerting workflow.
type VisitRepository interface {
	Create(ctx context.Context, visit *domain.Visit) error
	// CloseOpen stamps the exit time on the open visit for (zone, key)
	// and returns it, or nil when no visit is open.
	CloseOpen(ctx context.Context, zone, key string, exitedAt time.Time) (*domain.Visit, error)
	MarkDwellAlerted(ctx context.Context, id string) error
	ListOpen(ctx context.Context, zone string, limit int) ([]domain.Visit, error)
}
