// Package strategy provides the immutable catalog of trading strategies an
// agent may run.
package strategy

import (
	"errors"
	"fmt"
)

// ErrUnknownStrategy is returned when an id is not in the catalog.
var ErrUnknownStrategy = errors.New("strategy: unknown strategy")

// Descriptor identifies a strategy by stable key and human label.
type Descriptor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Catalog is a fixed, ordered set of strategies. It is safe for concurrent use
// because it is never mutated after construction.
type Catalog struct {
	items []Descriptor
	index map[string]int
}

// New builds a catalog in the given order. Duplicate or empty ids panic: the
// catalog is assembled once at process start.
func New(items ...Descriptor) *Catalog {
	c := &Catalog{
		items: make([]Descriptor, len(items)),
		index: make(map[string]int, len(items)),
	}
	for i, d := range items {
		if d.ID == "" {
			panic("strategy: empty id")
		}
		if _, dup := c.index[d.ID]; dup {
			panic(fmt.Sprintf("strategy: duplicate id %q", d.ID))
		}
		c.items[i] = d
		c.index[d.ID] = i
	}
	return c
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return New(
		Descriptor{ID: "momentum", Label: "Momentum"},
		Descriptor{ID: "mean_reversion", Label: "Mean Reversion"},
		Descriptor{ID: "breakout", Label: "Breakout"},
		Descriptor{ID: "trend_following", Label: "Trend Following"},
		Descriptor{ID: "rsi_divergence", Label: "RSI Divergence"},
		Descriptor{ID: "macd_crossover", Label: "MACD Crossover"},
		Descriptor{ID: "volume_spike", Label: "Volume Spike"},
		Descriptor{ID: "grid_trading", Label: "Grid Trading"},
		Descriptor{ID: "scalping", Label: "Scalping"},
	)
}

// List returns the strategies in declaration order. The returned slice is a
// copy.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, len(c.items))
	copy(out, c.items)
	return out
}

// Resolve looks up a strategy by id.
func (c *Catalog) Resolve(id string) (Descriptor, error) {
	i, ok := c.index[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, id)
	}
	return c.items[i], nil
}
