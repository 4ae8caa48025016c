// Package peers holds the overlay peer table built from a registration
package peers

import (
	"net/netip"

	"github.com/ZentaChain/socktail/pkg/crypto"
)

// Record is a remote overlay node
type Record struct {
	PublicKey   crypto.Key
	OverlayAddr netip.Addr
	Endpoint    netip.AddrPort // zero when the peer advertised no endpoint
}

// HasEndpoint reports whether the peer advertised a reachable endpoint
func (r Record) HasEndpoint() bool {
	return r.Endpoint.IsValid()
}

// Valid reports whether the record has an overlay address. The key is
// always 32 bytes by construction.
func (r Record) Valid() bool {
	return r.OverlayAddr.IsValid()
}

// Table is an immutable snapshot of peers keyed by public key. Iteration
// follows registration order.
type Table struct {
	order []Record
	index map[crypto.Key]int
}

// NewTable builds a table from records. Invalid records and repeated keys
// are dropped; the first occurrence of a key wins.
func NewTable(records []Record) *Table {
	t := &Table{
		order: make([]Record, 0, len(records)),
		index: make(map[crypto.Key]int, len(records)),
	}

	for _, r := range records {
		if !r.Valid() {
			continue
		}
		if _, exists := t.index[r.PublicKey]; exists {
			continue
		}
		t.index[r.PublicKey] = len(t.order)
		t.order = append(t.order, r)
	}

	return t
}

// Empty returns a table with no peers
func Empty() *Table {
	return NewTable(nil)
}

// Lookup finds a peer by public key
func (t *Table) Lookup(key crypto.Key) (Record, bool) {
	i, ok := t.index[key]
	if !ok {
		return Record{}, false
	}
	return t.order[i], true
}

// Len returns the number of peers
func (t *Table) Len() int {
	return len(t.order)
}

// All returns a copy of the peers in registration order
func (t *Table) All() []Record {
	out := make([]Record, len(t.order))
	copy(out, t.order)
	return out
}

// Range calls fn for each peer in registration order until fn returns false
func (t *Table) Range(fn func(Record) bool) {
	for _, r := range t.order {
		if !fn(r) {
			return
		}
	}
}
