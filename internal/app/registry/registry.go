// Package registry tracks in-flight mission runs and their cancellation flags.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"missionloop/internal/domain/mission"
)

const (
	defaultRetentionSize = 1024
	defaultRetentionTTL  = time.Hour
)

type entry struct {
	runID     string
	cancelled bool
	tasks     *mission.TaskList
	createdAt time.Time
}

// Registry is the process-scoped table of runs. A single mutex guards every
// operation; it is never held across a provider or tool call.
//
// Finished runs move to a bounded, expiring retention cache so late cancel
// and task queries still resolve while the live map only holds running work.
type Registry struct {
	mu       sync.Mutex
	live     map[string]*entry
	finished *expirable.LRU[string, *entry]
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	size int
	ttl  time.Duration
	now  func() time.Time
}

// WithRetention bounds how many finished runs are kept and for how long.
func WithRetention(size int, ttl time.Duration) Option {
	return func(o *options) {
		if size > 0 {
			o.size = size
		}
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	o := options{size: defaultRetentionSize, ttl: defaultRetentionTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		live:     make(map[string]*entry),
		finished: expirable.NewLRU[string, *entry](o.size, nil, o.ttl),
		now:      o.now,
	}
}

// Create registers a run. Re-creating an id resets its cancellation flag.
func (r *Registry) Create(runID string, tasks *mission.TaskList) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished.Remove(runID)
	r.live[runID] = &entry{runID: runID, tasks: tasks, createdAt: r.now()}
}

// Cancel flags a live run. It returns false for unknown or finished runs and
// is idempotent for live ones.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[strings.TrimSpace(runID)]
	if !ok {
		return false
	}
	e.cancelled = true
	return true
}

// IsCancelled reports the run's flag, including for retained finished runs.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.lookup(runID); e != nil {
		return e.cancelled
	}
	return false
}

// GetTasks returns the run's live task list.
func (r *Registry) GetTasks(runID string) (*mission.TaskList, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(runID)
	if e == nil || e.tasks == nil {
		return nil, false
	}
	return e.tasks, true
}

// Finish moves a run from the live table into retention.
func (r *Registry) Finish(runID string) {
	runID = strings.TrimSpace(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[runID]
	if !ok {
		return
	}
	delete(r.live, runID)
	r.finished.Add(runID, e)
}

// Active returns the number of live runs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// ActiveRuns lists live run ids, oldest first.
func (r *Registry) ActiveRuns() []string {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.live))
	for _, e := range r.live {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].runID < entries[j].runID
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.runID)
	}
	return ids
}

// IsLive reports whether the run is still executing.
func (r *Registry) IsLive(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[strings.TrimSpace(runID)]
	return ok
}

func (r *Registry) lookup(runID string) *entry {
	runID = strings.TrimSpace(runID)
	if e, ok := r.live[runID]; ok {
		return e
	}
	if e, ok := r.finished.Peek(runID); ok {
		return e
	}
	return nil
}
