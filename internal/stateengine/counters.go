package stateengine

import (
	"fmt"

	"github.com/g960059/labelfsm/internal/model"
)

// Counters holds repeat counts per state id for a single profile.
type Counters struct {
	states map[int]model.State
	counts map[int]int
}

func NewCounters(states map[int]model.State) *Counters {
	counts := make(map[int]int, len(states))
	for id := range states {
		counts[id] = 0
	}
	return &Counters{states: states, counts: counts}
}

func (c *Counters) Increment(clsID int) (int, error) {
	if _, ok := c.counts[clsID]; !ok {
		return 0, fmt.Errorf("%w: increment counter for id %d", ErrUnknownState, clsID)
	}
	c.counts[clsID]++
	return c.counts[clsID], nil
}

// Get returns 0 for ids that were never incremented or are unknown.
func (c *Counters) Get(clsID int) int {
	return c.counts[clsID]
}

func (c *Counters) Reset(clsID int) {
	if _, ok := c.counts[clsID]; ok {
		c.counts[clsID] = 0
	}
}

func (c *Counters) ResetAll() {
	for id := range c.counts {
		c.counts[id] = 0
	}
}

func (c *Counters) ResetAllExcept(clsID int) {
	for id := range c.counts {
		if id != clsID {
			c.counts[id] = 0
		}
	}
}

func (c *Counters) ResetResettable() {
	for id := range c.counts {
		if c.states[id].IsResettable {
			c.counts[id] = 0
		}
	}
}

func (c *Counters) ResetResettableExcept(clsID int) {
	for id := range c.counts {
		if id != clsID && c.states[id].IsResettable {
			c.counts[id] = 0
		}
	}
}

func (c *Counters) Snapshot() map[int]int {
	out := make(map[int]int, len(c.counts))
	for id, n := range c.counts {
		out[id] = n
	}
	return out
}
