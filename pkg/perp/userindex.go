package perp

import "fmt"

// UserIndex is the per-user denormalized view of open order and open position
// references. Entries are added and removed atomically with the order and
// position transitions that create or close them; a removal that finds no
// entry means the ledger and index have diverged, which is fatal.

// OrderRef identifies one pending order.
type OrderRef struct {
	Market  MarketKey
	OrderID uint64
}

// PositionRef identifies one open position side.
type PositionRef struct {
	Market MarketKey
	IsLong bool
}

// UserIndex keeps insertion-ordered sets of order and position references per
// user.
type UserIndex struct {
	orders    map[string][]OrderRef
	positions map[string][]PositionRef
}

// NewUserIndex returns an empty index.
func NewUserIndex() *UserIndex {
	return &UserIndex{
		orders:    make(map[string][]OrderRef),
		positions: make(map[string][]PositionRef),
	}
}

// AddOrder appends an order reference for a user.
func (ix *UserIndex) AddOrder(user string, ref OrderRef) {
	ix.orders[user] = append(ix.orders[user], ref)
}

// RemoveOrder deletes an order reference. Removing a reference that was never
// added is a consistency violation and panics.
func (ix *UserIndex) RemoveOrder(user string, ref OrderRef) {
	refs := ix.orders[user]
	for i, r := range refs {
		if r == ref {
			ix.orders[user] = append(refs[:i:i], refs[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("userindex: order ref %v/%d not found for %s", ref.Market, ref.OrderID, user))
}

// AddPosition appends a position reference for a user. Exactly one entry may
// exist per open position side.
func (ix *UserIndex) AddPosition(user string, ref PositionRef) {
	for _, r := range ix.positions[user] {
		if r == ref {
			panic(fmt.Sprintf("userindex: duplicate position ref %v for %s", ref, user))
		}
	}
	ix.positions[user] = append(ix.positions[user], ref)
}

// RemovePosition deletes a position reference, panicking when absent.
func (ix *UserIndex) RemovePosition(user string, ref PositionRef) {
	refs := ix.positions[user]
	for i, r := range refs {
		if r == ref {
			ix.positions[user] = append(refs[:i:i], refs[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("userindex: position ref %v not found for %s", ref, user))
}

// Orders returns the user's open order references in insertion order.
func (ix *UserIndex) Orders(user string) []OrderRef {
	return append([]OrderRef(nil), ix.orders[user]...)
}

// Positions returns the user's open position references in insertion order.
func (ix *UserIndex) Positions(user string) []PositionRef {
	return append([]PositionRef(nil), ix.positions[user]...)
}

// HasPosition reports whether a position reference is present.
func (ix *UserIndex) HasPosition(user string, ref PositionRef) bool {
	for _, r := range ix.positions[user] {
		if r == ref {
			return true
		}
	}
	return false
}
