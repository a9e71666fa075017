package domain

import (
	"sort"
	"sync"
)

// ChangeKind tells subscribers what moved in the aggregate
type ChangeKind string

const (
	ChangeItems    ChangeKind = "items"
	ChangeShipping ChangeKind = "shipping"
	ChangeOwner    ChangeKind = "owner"
)

// Totals is the derived pricing of a cart
type Totals struct {
	Subtotal        Money  `json:"subtotal"`
	ShippingFee     Money  `json:"shipping_fee"`
	GrandTotal      Money  `json:"grand_total"`
	ShippingPending bool   `json:"shipping_pending"`
	Version         uint64 `json:"version"`
}

// Cart is a read-only snapshot of the aggregate
type Cart struct {
	Owner  Ownership  `json:"owner"`
	Items  []LineItem `json:"items"`
	Totals Totals     `json:"totals"`
}

// Change is delivered to subscribers after every observable transition
type Change struct {
	Kind    ChangeKind
	Version uint64
	Cart    Cart
}

// Aggregate holds the in-memory cart and guards its invariants.
// Every item mutation advances Version; totals are recomputed on read.
type Aggregate struct {
	mu           sync.RWMutex
	owner        Ownership
	transitioned bool
	items        []LineItem
	version      uint64
	shippingFee  Money
	feeVersion   uint64

	subMu       sync.Mutex
	subscribers map[int]func(Change)
	nextSub     int
}

// NewAggregate creates an empty cart for the given owner
func NewAggregate(owner Ownership) *Aggregate {
	return &Aggregate{
		owner:       owner,
		subscribers: make(map[int]func(Change)),
	}
}

// Owner returns the current ownership
func (a *Aggregate) Owner() Ownership {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Version returns the item version counter
func (a *Aggregate) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// KeyOf returns the identity of item under the current ownership
func (a *Aggregate) KeyOf(item LineItem) Key {
	return a.Owner().KeyOf(item)
}

// Replace swaps the whole item list atomically
func (a *Aggregate) Replace(items []LineItem) error {
	a.mu.Lock()
	next, err := a.checked(a.owner, items)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.items = next
	a.version++
	change := a.changeLocked(ChangeItems)
	a.mu.Unlock()

	a.notify(change)
	return nil
}

// Upsert inserts the item or replaces the line with the same identity
func (a *Aggregate) Upsert(item LineItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	key := a.owner.KeyOf(item)
	next := append([]LineItem(nil), a.items...)
	if idx := a.indexLocked(key); idx >= 0 {
		next[idx] = item
	} else {
		next = append(next, item)
	}
	if _, err := subtotalOf(next); err != nil {
		a.mu.Unlock()
		return err
	}
	a.items = next
	a.version++
	change := a.changeLocked(ChangeItems)
	a.mu.Unlock()

	a.notify(change)
	return nil
}

// Remove deletes the line with the given identity. Removing a missing key is a no-op.
func (a *Aggregate) Remove(key Key) bool {
	a.mu.Lock()
	idx := a.indexLocked(key)
	if idx < 0 {
		a.mu.Unlock()
		return false
	}
	a.items = append(a.items[:idx:idx], a.items[idx+1:]...)
	a.version++
	change := a.changeLocked(ChangeItems)
	a.mu.Unlock()

	a.notify(change)
	return true
}

// Get returns the line with the given identity
func (a *Aggregate) Get(key Key) (LineItem, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx := a.indexLocked(key); idx >= 0 {
		return a.items[idx], true
	}
	return LineItem{}, false
}

// FindProduct returns the first line matching the product and variant of item
func (a *Aggregate) FindProduct(item LineItem) (LineItem, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, it := range a.items {
		if it.SameProduct(item) {
			return it, true
		}
	}
	return LineItem{}, false
}

// Items returns a copy of the current lines in display order
func (a *Aggregate) Items() []LineItem {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]LineItem(nil), a.items...)
}

// Totals computes subtotal, shipping and grand total from the current lines
func (a *Aggregate) Totals() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalsLocked()
}

// Snapshot returns the cart with fresh totals
func (a *Aggregate) Snapshot() Cart {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// ApplyShippingFee stores a fee computed for version. Results computed for any
// other version are discarded and false is returned.
func (a *Aggregate) ApplyShippingFee(version uint64, fee Money) bool {
	if fee < 0 {
		fee = 0
	}
	a.mu.Lock()
	if version != a.version {
		a.mu.Unlock()
		return false
	}
	a.shippingFee = fee
	a.feeVersion = version
	change := a.changeLocked(ChangeShipping)
	a.mu.Unlock()

	a.notify(change)
	return true
}

// Transition moves a guest cart to a user and swaps in the user's lines.
// It succeeds once per aggregate.
func (a *Aggregate) Transition(userID string, items []LineItem) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}

	a.mu.Lock()
	if !a.owner.IsGuest() || a.transitioned {
		a.mu.Unlock()
		return ErrOwnershipTransition
	}
	owner := User(userID)
	next, err := a.checked(owner, items)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.owner = owner
	a.transitioned = true
	a.items = next
	a.version++
	change := a.changeLocked(ChangeOwner)
	a.mu.Unlock()

	a.notify(change)
	return nil
}

// Subscribe registers fn for change notifications. The returned func unsubscribes.
func (a *Aggregate) Subscribe(fn func(Change)) func() {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subscribers[id] = fn
	a.subMu.Unlock()

	return func() {
		a.subMu.Lock()
		delete(a.subscribers, id)
		a.subMu.Unlock()
	}
}

func (a *Aggregate) notify(change Change) {
	a.subMu.Lock()
	ids := make([]int, 0, len(a.subscribers))
	for id := range a.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.subscribers[id])
	}
	a.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (a *Aggregate) checked(owner Ownership, items []LineItem) ([]LineItem, error) {
	seen := make(map[Key]struct{}, len(items))
	next := make([]LineItem, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, err
		}
		key := owner.KeyOf(item)
		if _, dup := seen[key]; dup {
			return nil, &ValidationError{Field: "items", Reason: "duplicate line " + key.String()}
		}
		seen[key] = struct{}{}
		next = append(next, item)
	}
	if _, err := subtotalOf(next); err != nil {
		return nil, err
	}
	return next, nil
}

// subtotalOf sums the line totals, rejecting carts whose subtotal does not fit in Money
func subtotalOf(items []LineItem) (Money, error) {
	var subtotal Money
	for _, it := range items {
		var ok bool
		if subtotal, ok = AddMoney(subtotal, it.LineTotal()); !ok {
			return 0, &ValidationError{Field: "items", Reason: "subtotal out of range"}
		}
	}
	return subtotal, nil
}

func (a *Aggregate) indexLocked(key Key) int {
	for i, it := range a.items {
		if a.owner.KeyOf(it) == key {
			return i
		}
	}
	return -1
}

func (a *Aggregate) totalsLocked() Totals {
	// items are checked on every write, so the subtotal fits
	subtotal, _ := subtotalOf(a.items)
	fee := a.shippingFee
	pending := a.feeVersion != a.version
	if len(a.items) == 0 {
		fee = 0
		pending = false
	}
	grand, ok := AddMoney(subtotal, fee)
	if !ok {
		fee, grand, pending = 0, subtotal, false
	}
	return Totals{
		Subtotal:        subtotal,
		ShippingFee:     fee,
		GrandTotal:      grand,
		ShippingPending: pending,
		Version:         a.version,
	}
}

func (a *Aggregate) snapshotLocked() Cart {
	return Cart{
		Owner:  a.owner,
		Items:  append([]LineItem(nil), a.items...),
		Totals: a.totalsLocked(),
	}
}

func (a *Aggregate) changeLocked(kind ChangeKind) Change {
	return Change{Kind: kind, Version: a.version, Cart: a.snapshotLocked()}
}
