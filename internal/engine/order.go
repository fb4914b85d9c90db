package engine

import (
	"fmt"

	"tickpipe-go/internal/signal"
)

// Reorder policies for ticks arriving out of sequence.
const (
	ReorderArrival   = "arrival"
	ReorderDropStale = "drop_stale"
)

// restartGap is how far behind the last seen sequence a tick may be before it is read
// as a restarted adapter rather than a late datagram.
const restartGap = 1024

// orderGuard applies the reorder policy per symbol. Under arrival every tick is
// accepted in the order it was received.
type orderGuard struct {
	dropStale bool
	last      map[string]uint64
}

func newOrderGuard(policy string) (*orderGuard, error) {
	switch policy {
	case "", ReorderArrival:
		return &orderGuard{last: make(map[string]uint64)}, nil
	case ReorderDropStale:
		return &orderGuard{dropStale: true, last: make(map[string]uint64)}, nil
	}
	return nil, fmt.Errorf("unknown reorder policy %q", policy)
}

// accept reports whether t should be folded into the window.
func (g *orderGuard) accept(t signal.Tick) bool {
	last, seen := g.last[t.Symbol]
	if !g.dropStale || !seen || t.Seq > last || t.Seq+restartGap < last {
		g.last[t.Symbol] = t.Seq
		return true
	}
	return false
}
