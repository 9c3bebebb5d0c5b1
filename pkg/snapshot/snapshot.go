// Package snapshot publishes immutable, generation-numbered route
// tables from a single background writer to many concurrent request
// paths.
package snapshot

import (
	"sync/atomic"

	"github.com/meshproxy/routepolicy/pkg/policy"
	"github.com/meshproxy/routepolicy/pkg/retry"
)

// Snapshot is an immutable pairing of a compiled route table with the
// retry budget for its generation. Requests that hold a snapshot keep
// using it to completion even after a newer one is published.
type Snapshot struct {
	Table      *policy.RouteTable
	Budget     *retry.Budget
	Generation uint64
}

// Cell holds the current snapshot for one destination. Publish must
// only ever be called from a single goroutine per cell; Current may be
// called from arbitrarily many goroutines and never blocks.
type Cell struct {
	current atomic.Pointer[Snapshot]
}

// NewCell returns a cell seeded with generation zero: the empty table,
// no retries, no timeout override. Destinations with no profile ever
// observed serve from this snapshot.
func NewCell() *Cell {
	c := &Cell{}
	empty := policy.EmptyTable()
	c.current.Store(&Snapshot{
		Table:  empty,
		Budget: retry.NewBudget(empty.Budget()),
	})
	return c
}

// Publish installs table as the current snapshot under the next
// generation, with a fresh retry budget. Readers that already hold the
// prior snapshot are unaffected.
func (c *Cell) Publish(table *policy.RouteTable) *Snapshot {
	next := &Snapshot{
		Table:      table,
		Budget:     retry.NewBudget(table.Budget()),
		Generation: c.current.Load().Generation + 1,
	}
	c.current.Store(next)
	return next
}

// Current returns the snapshot installed by the most recent Publish.
func (c *Cell) Current() *Snapshot {
	return c.current.Load()
}
