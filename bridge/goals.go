package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	prom "github.com/prometheus/client_golang/prometheus"

	"rpcbridge/message"
)

// GoalRecord is a snapshot of one goal held by a GoalTable.
type GoalRecord struct {
	ID      message.GoalID
	Status  GoalStatus
	Created time.Time
	Updated time.Time
	Result  []byte // ROS get_result response, status header included
	Err     error  // why no result could be obtained
}

type goalEntry struct {
	rec      GoalRecord
	finished bool
	done     chan struct{} // closed by Complete or Fail
}

// GoalTable holds the goal records of one action route. The index is
// guarded by mu, and only for map access; everything that reads or changes
// a record holds that goal's key lock.
type GoalTable struct {
	clock     clock.Clock
	max       int
	retention time.Duration
	locks     *kmutex.Kmutex
	gauge     prom.Gauge

	mu     sync.RWMutex
	goals  map[message.GoalID]*goalEntry
	closed bool

	quit     chan struct{}
	quitOnce sync.Once
}

// NewGoalTable returns a table holding at most max records. Finished
// records nobody collected are evicted by Sweep once they are older than
// retention.
func NewGoalTable(clk clock.Clock, max int, retention time.Duration) *GoalTable {
	if clk == nil {
		clk = clock.WallClock
	}
	return &GoalTable{
		clock:     clk,
		max:       max,
		retention: retention,
		locks:     kmutex.New(),
		goals:     make(map[message.GoalID]*goalEntry),
		quit:      make(chan struct{}),
	}
}

// Reserve creates a Pending record for id.
func (t *GoalTable) Reserve(id message.GoalID) error {
	if t.Len() >= t.max {
		t.Sweep(t.clock.Now())
	}
	t.locks.Lock(id)
	defer t.locks.Unlock(id)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return fmt.Errorf("%w: goal table closed", message.ErrShuttingDown)
	case t.goals[id] != nil:
		return fmt.Errorf("%w: %s", message.ErrDuplicateGoal, id)
	case len(t.goals) >= t.max:
		return fmt.Errorf("%w: %d goals held", message.ErrResourceExhausted, len(t.goals))
	}
	now := t.clock.Now()
	t.goals[id] = &goalEntry{
		rec:  GoalRecord{ID: id, Status: GoalPending, Created: now, Updated: now},
		done: make(chan struct{}),
	}
	t.updateGauge()
	return nil
}

func (t *GoalTable) entry(id message.GoalID) *goalEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.goals[id]
}

func (t *GoalTable) remove(id message.GoalID, e *goalEntry) {
	t.mu.Lock()
	if t.goals[id] == e {
		delete(t.goals, id)
	}
	t.updateGauge()
	t.mu.Unlock()
}

func (t *GoalTable) updateGauge() {
	if t.gauge != nil {
		t.gauge.Set(float64(len(t.goals)))
	}
}

// update runs fn on the record of id under its key lock.
func (t *GoalTable) update(id message.GoalID, fn func(e *goalEntry) error) error {
	t.locks.Lock(id)
	defer t.locks.Unlock(id)
	e := t.entry(id)
	if e == nil {
		return fmt.Errorf("%w: %s", message.ErrUnknownGoal, id)
	}
	return fn(e)
}

// Accept moves a reserved goal to Accepted.
func (t *GoalTable) Accept(id message.GoalID) error {
	return t.Transition(id, GoalAccepted)
}

// Drop removes a Pending reservation. Other records are left alone.
func (t *GoalTable) Drop(id message.GoalID) {
	t.update(id, func(e *goalEntry) error {
		if e.rec.Status == GoalPending {
			t.remove(id, e)
		}
		return nil
	})
}

// Transition validates and applies a change of status.
func (t *GoalTable) Transition(id message.GoalID, to GoalStatus) error {
	return t.update(id, func(e *goalEntry) error {
		if e.finished {
			return fmt.Errorf("%w: %s already finished as %s", message.ErrInvalidGoalState, id, e.rec.Status)
		}
		if err := checkTransition(e.rec.Status, to); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		if e.rec.Status != to {
			e.rec.Status = to
			e.rec.Updated = t.clock.Now()
		}
		return nil
	})
}

// Complete stores the terminal status and result of id and wakes waiters.
func (t *GoalTable) Complete(id message.GoalID, status GoalStatus, result []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", message.ErrInvalidGoalState, status)
	}
	return t.update(id, func(e *goalEntry) error {
		if e.finished {
			return fmt.Errorf("%w: %s already finished", message.ErrInvalidGoalState, id)
		}
		if err := checkTransition(e.rec.Status, status); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		e.rec.Status = status
		e.rec.Result = result
		t.finish(e)
		return nil
	})
}

// Fail records that no result will arrive for id and wakes waiters. The
// status is left as it was.
func (t *GoalTable) Fail(id message.GoalID, err error) error {
	return t.update(id, func(e *goalEntry) error {
		if e.finished {
			return fmt.Errorf("%w: %s already finished", message.ErrInvalidGoalState, id)
		}
		e.rec.Err = err
		t.finish(e)
		return nil
	})
}

func (t *GoalTable) finish(e *goalEntry) {
	e.finished = true
	e.rec.Updated = t.clock.Now()
	close(e.done)
}

// Lookup returns a snapshot of the record of id.
func (t *GoalTable) Lookup(id message.GoalID) (GoalRecord, bool) {
	var rec GoalRecord
	err := t.update(id, func(e *goalEntry) error {
		rec = e.rec
		return nil
	})
	return rec, err == nil
}

// Wait blocks until id is finished and returns its record. A goal that is
// absent or still Pending is unknown to the caller.
func (t *GoalTable) Wait(ctx context.Context, id message.GoalID) (GoalRecord, error) {
	var done <-chan struct{}
	err := t.update(id, func(e *goalEntry) error {
		if e.rec.Status == GoalPending {
			return fmt.Errorf("%w: %s not accepted yet", message.ErrUnknownGoal, id)
		}
		done = e.done
		return nil
	})
	if err != nil {
		return GoalRecord{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return GoalRecord{}, fmt.Errorf("%w: waiting for result of %s", message.ErrTimeout, id)
	case <-t.quit:
		return GoalRecord{}, fmt.Errorf("%w: goal table closed", message.ErrShuttingDown)
	}
	rec, ok := t.Lookup(id)
	if !ok {
		return GoalRecord{}, fmt.Errorf("%w: %s evicted", message.ErrUnknownGoal, id)
	}
	return rec, nil
}

// Evict removes the finished record of id.
func (t *GoalTable) Evict(id message.GoalID) {
	t.update(id, func(e *goalEntry) error {
		if e.finished {
			t.remove(id, e)
		}
		return nil
	})
}

// Sweep evicts finished records last updated more than the retention window
// before now and returns how many it removed.
func (t *GoalTable) Sweep(now time.Time) int {
	t.mu.RLock()
	ids := make([]message.GoalID, 0, len(t.goals))
	for id := range t.goals {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	n := 0
	for _, id := range ids {
		t.update(id, func(e *goalEntry) error {
			if e.finished && now.Sub(e.rec.Updated) >= t.retention {
				t.remove(id, e)
				n++
			}
			return nil
		})
	}
	return n
}

// Len returns the number of records held.
func (t *GoalTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.goals)
}

// Close refuses new reservations and wakes every waiter with ShuttingDown.
func (t *GoalTable) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.quitOnce.Do(func() { close(t.quit) })
}
