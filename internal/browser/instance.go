package browser

import (
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/stats"
)

// InstanceState describes where an instance is in its lifecycle.
type InstanceState string

const (
	// StateActive means the instance accepts new page slots.
	StateActive InstanceState = "active"
	// StateDraining means no new slots are handed out; existing pages
	// finish, then the instance is closed.
	StateDraining InstanceState = "draining"
	// StateClosed means the underlying browser process is gone.
	StateClosed InstanceState = "closed"
)

// Instance is one pooled browser process plus its bookkeeping.
// All mutable fields are guarded by the owning pool's mutex except
// Stats, which is internally atomic.
type Instance struct {
	ID      string
	Browser driver.Browser
	Stats   *stats.InstanceStats

	state      InstanceState
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	pages      int // reserved page slots, includes in-flight creations
	recycledAt time.Time

	closeOnce sync.Once
}

func newInstance(id string, b driver.Browser) *Instance {
	now := time.Now()
	return &Instance{
		ID:         id,
		Browser:    b,
		Stats:      &stats.InstanceStats{},
		state:      StateActive,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// close tears down the browser process. Idempotent.
func (in *Instance) close() {
	in.closeOnce.Do(func() {
		in.Browser.Close()
	})
}

// InstanceSnapshot is a point-in-time view of an instance, safe to
// serialize for the stats endpoint.
type InstanceSnapshot struct {
	ID         string        `json:"id"`
	State      InstanceState `json:"state"`
	CreatedAt  time.Time     `json:"createdAt"`
	LastUsedAt time.Time     `json:"lastUsedAt"`
	UseCount   int64         `json:"useCount"`
	Pages      int           `json:"pages"`
	Actions    int64         `json:"actions"`
	Errors     int64         `json:"errors"`
	ErrorRate  float64       `json:"errorRate"`
}

func (in *Instance) snapshot() InstanceSnapshot {
	return InstanceSnapshot{
		ID:         in.ID,
		State:      in.state,
		CreatedAt:  in.createdAt,
		LastUsedAt: in.lastUsedAt,
		UseCount:   in.useCount,
		Pages:      in.pages,
		Actions:    in.Stats.Actions.Load(),
		Errors:     in.Stats.Errors.Load(),
		ErrorRate:  in.Stats.ErrorRate(),
	}
}
