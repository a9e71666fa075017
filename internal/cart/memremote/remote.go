// Package memremote is an in-process stand-in for the remote cart and order
// preview API. cartsync uses it when no remote base URL is configured, and the
// engine tests use its hooks to hold, fail and count calls.
package memremote

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/tair/cart-sync/internal/cart/domain"
)

// Operation names accepted by the hooks
const (
	OpFetch       = "fetch_cart"
	OpSetQuantity = "set_quantity"
	OpRemove      = "remove_item"
	OpAdd         = "add_item"
	OpPreview     = "preview_shipping"
)

// Remote keeps user carts in memory
type Remote struct {
	mu       sync.Mutex
	carts    map[string][]domain.LineItem
	prices   map[string]domain.Money
	nextID   int
	failures map[string][]error
	gates    map[string]chan struct{}
	calls    map[string]int
	inFlight map[string]int
	peak     map[string]int

	// FlatFee and PerItemFee drive the default shipping quote
	FlatFee    domain.Money
	PerItemFee domain.Money
}

// New creates an empty remote with a default shipping tariff
func New() *Remote {
	return &Remote{
		carts:      make(map[string][]domain.LineItem),
		prices:     make(map[string]domain.Money),
		failures:   make(map[string][]error),
		gates:      make(map[string]chan struct{}),
		calls:      make(map[string]int),
		inFlight:   make(map[string]int),
		peak:       make(map[string]int),
		FlatFee:    1000,
		PerItemFee: 250,
	}
}

// SetPrice sets the server price of a product
func (r *Remote) SetPrice(productID string, price domain.Money) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[productID] = price
}

// Seed replaces a user's cart; lines without a remote id get one
func (r *Remote) Seed(userID string, items ...domain.LineItem) []domain.LineItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	seeded := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		if it.RemoteID == "" {
			it.RemoteID = r.newIDLocked()
		}
		if it.UnitPrice == 0 {
			it.UnitPrice = r.prices[it.ProductID]
		}
		seeded = append(seeded, it)
	}
	r.carts[userID] = seeded
	return append([]domain.LineItem(nil), seeded...)
}

// Items returns the stored cart of a user
func (r *Remote) Items(userID string) []domain.LineItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LineItem(nil), r.carts[userID]...)
}

// FailNext makes the next call of op return err. Calls queue up in order.
func (r *Remote) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], err)
}

// Hold blocks every call of op until the returned release func is called
func (r *Remote) Hold(op string) (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[op] = gate
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.gates[op] == gate {
				delete(r.gates, op)
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times op was invoked
func (r *Remote) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// PeakConcurrency returns the highest number of simultaneous calls seen for op
func (r *Remote) PeakConcurrency(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak[op]
}

// FetchCart returns the user's cart
func (r *Remote) FetchCart(ctx context.Context, userID string) (domain.Snapshot, error) {
	if err := r.enter(ctx, OpFetch); err != nil {
		return domain.Snapshot{}, err
	}
	defer r.leave(OpFetch)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(userID), nil
}

// SetQuantity changes the quantity of a line and returns the updated cart
func (r *Remote) SetQuantity(ctx context.Context, userID, remoteID string, quantity int) (domain.Snapshot, error) {
	if err := r.enter(ctx, OpSetQuantity); err != nil {
		return domain.Snapshot{}, err
	}
	defer r.leave(OpSetQuantity)

	r.mu.Lock()
	defer r.mu.Unlock()
	if quantity < 1 {
		return domain.Snapshot{}, &domain.RemoteError{Op: OpSetQuantity, Status: http.StatusBadRequest, Message: "quantity must be positive"}
	}
	items := r.carts[userID]
	for i := range items {
		if items[i].RemoteID == remoteID {
			items[i].Quantity = quantity
			return r.snapshotLocked(userID), nil
		}
	}
	return domain.Snapshot{}, &domain.RemoteError{Op: OpSetQuantity, Status: http.StatusNotFound, Message: "cart item not found"}
}

// RemoveItem deletes a line and returns the updated cart
func (r *Remote) RemoveItem(ctx context.Context, userID, remoteID string) (domain.Snapshot, error) {
	if err := r.enter(ctx, OpRemove); err != nil {
		return domain.Snapshot{}, err
	}
	defer r.leave(OpRemove)

	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.carts[userID]
	for i := range items {
		if items[i].RemoteID == remoteID {
			r.carts[userID] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	return r.snapshotLocked(userID), nil
}

// AddItem appends a new line, or raises the quantity of the same product and variant
func (r *Remote) AddItem(ctx context.Context, userID string, item domain.LineItem) (domain.Snapshot, error) {
	if err := r.enter(ctx, OpAdd); err != nil {
		return domain.Snapshot{}, err
	}
	defer r.leave(OpAdd)

	r.mu.Lock()
	defer r.mu.Unlock()
	if item.Quantity < 1 {
		return domain.Snapshot{}, &domain.RemoteError{Op: OpAdd, Status: http.StatusBadRequest, Message: "quantity must be positive"}
	}
	items := r.carts[userID]
	for i := range items {
		if items[i].SameProduct(item) {
			items[i].Quantity += item.Quantity
			return r.snapshotLocked(userID), nil
		}
	}
	line := item
	line.RemoteID = r.newIDLocked()
	if price, ok := r.prices[item.ProductID]; ok {
		line.UnitPrice = price
	}
	r.carts[userID] = append(items, line)
	return r.snapshotLocked(userID), nil
}

// PreviewShipping quotes a flat fee plus a per-unit fee
func (r *Remote) PreviewShipping(ctx context.Context, req domain.PreviewRequest) (domain.Money, error) {
	if err := r.enter(ctx, OpPreview); err != nil {
		return 0, err
	}
	defer r.leave(OpPreview)

	r.mu.Lock()
	defer r.mu.Unlock()
	units := 0
	for _, it := range req.Items {
		units += it.Quantity
	}
	return r.FlatFee + r.PerItemFee*domain.Money(units), nil
}

func (r *Remote) enter(ctx context.Context, op string) error {
	r.mu.Lock()
	r.calls[op]++
	r.inFlight[op]++
	if r.inFlight[op] > r.peak[op] {
		r.peak[op] = r.inFlight[op]
	}
	gate := r.gates[op]
	var failure error
	if queued := r.failures[op]; len(queued) > 0 {
		failure = queued[0]
		r.failures[op] = queued[1:]
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			r.leave(op)
			return ctx.Err()
		}
	}
	if failure != nil {
		r.leave(op)
		return failure
	}
	return nil
}

func (r *Remote) leave(op string) {
	r.mu.Lock()
	r.inFlight[op]--
	r.mu.Unlock()
}

func (r *Remote) newIDLocked() string {
	r.nextID++
	return "line-" + strconv.Itoa(r.nextID)
}

func (r *Remote) snapshotLocked(userID string) domain.Snapshot {
	items := append([]domain.LineItem(nil), r.carts[userID]...)
	var subtotal domain.Money
	for _, it := range items {
		subtotal += it.LineTotal()
	}
	return domain.Snapshot{Items: items, Subtotal: subtotal}
}
