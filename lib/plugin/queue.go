package plugin

import (
	"slices"

	"github.com/gammazero/deque"
	"github.com/zyedidia/generic/mapset"
)

// Phase is the scheduling stage of a Queue. Phases only move forward.
type Phase int

const (
	// NoDependency selects units without required dependencies.
	NoDependency Phase = iota
	// WithDependency selects units whose required dependencies are started
	// and that have no optional dependencies.
	WithDependency
	// WithOptionalDependency selects units whose required dependencies are started.
	WithOptionalDependency
)

func (p Phase) String() string {
	switch p {
	case NoDependency:
		return "NoDependency"
	case WithDependency:
		return "WithDependency"
	case WithOptionalDependency:
		return "WithOptionalDependency"
	default:
		return "Phase(?)"
	}
}

// Missing lists the unmet required dependencies of a pending unit.
type Missing struct {
	Unit    *Unit
	Missing []string
}

// Queue orders units so that every unit starts after its required
// dependencies. Units are drawn with Next until it reports false.
// A Queue is not safe for concurrent use.
type Queue struct {
	pending deque.Deque[*Unit]
	started mapset.Set[string]
	order   []string
	phase   Phase
}

// NewQueue creates a queue holding units in insertion order.
func NewQueue(units ...*Unit) *Queue {
	q := &Queue{started: mapset.New[string]()}
	for _, u := range units {
		q.Add(u)
	}
	return q
}

// Add appends a pending unit.
func (q *Queue) Add(u *Unit) {
	q.pending.PushBack(u)
}

// MarkStarted records name as already running, satisfying dependencies on it.
func (q *Queue) MarkStarted(name string) {
	if !q.started.Has(name) {
		q.started.Put(name)
		q.order = append(q.order, name)
	}
}

// Next returns the next unit to start, or false when no pending unit can
// start. The returned unit is considered started from then on.
func (q *Queue) Next() (*Unit, bool) {
	for ; q.phase <= WithOptionalDependency; q.phase++ {
		i := q.pending.Index(q.eligible(q.phase))
		if i < 0 {
			continue
		}
		u := q.pending.Remove(i)
		q.MarkStarted(u.Name)
		return u, true
	}
	q.phase = WithOptionalDependency
	return nil, false
}

func (q *Queue) eligible(phase Phase) func(*Unit) bool {
	return func(u *Unit) bool {
		switch phase {
		case NoDependency:
			return len(u.RequiredDeps) == 0
		case WithDependency:
			return len(u.OptionalDeps) == 0 && q.satisfied(u)
		default:
			return q.satisfied(u)
		}
	}
}

func (q *Queue) satisfied(u *Unit) bool {
	for _, dep := range u.RequiredDeps {
		if !q.started.Has(dep) {
			return false
		}
	}
	return true
}

// Phase returns the current scheduling phase.
func (q *Queue) Phase() Phase { return q.phase }

// HasPlugins reports whether units are still pending.
func (q *Queue) HasPlugins() bool { return q.pending.Len() > 0 }

// Count returns the number of pending units.
func (q *Queue) Count() int { return q.pending.Len() }

// Started returns the names handed out by Next, in order.
func (q *Queue) Started() []string { return slices.Clone(q.order) }

// MissingDependencies reports, for every pending unit, the required
// dependencies that have not started.
func (q *Queue) MissingDependencies() []Missing {
	out := make([]Missing, 0, q.pending.Len())
	for i := 0; i < q.pending.Len(); i++ {
		u := q.pending.At(i)
		var missing []string
		for _, dep := range u.RequiredDeps {
			if !q.started.Has(dep) {
				missing = append(missing, dep)
			}
		}
		out = append(out, Missing{Unit: u, Missing: missing})
	}
	return out
}

// Order drains q and returns the start order and the units left blocked.
func Order(units ...*Unit) (order []*Unit, blocked []Missing) {
	q := NewQueue(units...)
	for {
		u, ok := q.Next()
		if !ok {
			break
		}
		order = append(order, u)
	}
	return order, q.MissingDependencies()
}
