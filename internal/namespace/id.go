// Package namespace mints and tracks the identifiers that partition the
// shared engine into isolated knowledge bases.
//
// An ID is a generational arena index: the index slot may be reused once the
// previous holder has been fully erased and released, but every reuse bumps
// the generation, so the rendered predicate prefix is never handed out twice
// within a process.
package namespace

import (
	"fmt"
	"strings"
)

// ID identifies one isolated namespace inside the shared engine.
type ID struct {
	Index uint32
	Gen   uint32
}

// Zero is never allocated.
var Zero ID

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == Zero }

// Prefix is the qualifier prepended to every predicate symbol that belongs
// to this namespace. The trailing underscore keeps prefixes prefix-free:
// "ns1g1_" is never a prefix of "ns11g1_" or "ns1g12_".
func (id ID) Prefix() string {
	return fmt.Sprintf("ns%dg%d_", id.Index, id.Gen)
}

// Owns reports whether a qualified predicate symbol belongs to id.
func (id ID) Owns(symbol string) bool {
	return strings.HasPrefix(symbol, id.Prefix())
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Index, id.Gen)
}
