// Package hashpool manages the module-scope hash accumulator slots. Slots
// live for the whole module; the pool only tracks which indices are
// currently assigned so two live, concurrently-updated protected regions
// never alias the same accumulator.
package hashpool

import (
	"fmt"

	"github.com/715d/ohguard/internal/ir"
)

// DefaultSlots is the size of the accumulator pool when the caller does not
// choose one.
const DefaultSlots = 16

// slotPrefix and tempName are the global variable names the instrumenter
// references from inserted hash updates.
const (
	slotPrefix = "oh_hash_"
	tempName   = "oh_tmp"
)

// Pool hands out accumulator slot indices and records which are in use.
// Processing is strictly sequential, so the ledger needs no locking.
type Pool struct {
	module *ir.Module
	names  []string
	inUse  []bool
	next   int
}

// New allocates a pool of n slots (DefaultSlots when n <= 0), declaring the
// backing globals plus the scratch slot in m if not already present.
func New(m *ir.Module, n int) *Pool {
	if n <= 0 {
		n = DefaultSlots
	}
	p := &Pool{
		module: m,
		names:  make([]string, n),
		inUse:  make([]bool, n),
	}
	for i := range p.names {
		p.names[i] = fmt.Sprintf("%s%d", slotPrefix, i)
		m.AddGlobal(p.names[i])
	}
	m.AddGlobal(tempName)
	return p
}

// Len returns the pool size.
func (p *Pool) Len() int { return len(p.names) }

// Acquire returns the index and global name of a slot not currently in use.
// Assignment rotates through the pool so successive regions spread across
// slots deterministically. ok is false only when every slot is live at once.
func (p *Pool) Acquire() (idx int, name string, ok bool) {
	for range p.names {
		i := p.next
		p.next = (p.next + 1) % len(p.names)
		if !p.inUse[i] {
			p.inUse[i] = true
			return i, p.names[i], true
		}
	}
	return 0, "", false
}

// Release returns a slot to the pool. The backing global survives; only the
// in-use mark is cleared.
func (p *Pool) Release(idx int) {
	if idx >= 0 && idx < len(p.inUse) {
		p.inUse[idx] = false
	}
}

// InUse reports whether the slot index is currently assigned.
func (p *Pool) InUse(idx int) bool {
	return idx >= 0 && idx < len(p.inUse) && p.inUse[idx]
}

// Name returns the global name backing slot idx.
func (p *Pool) Name(idx int) string { return p.names[idx] }

// Temp returns the name of the scratch slot.
func (p *Pool) Temp() string { return tempName }
