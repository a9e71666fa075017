package domain

import (
	"context"
	"time"
)

// Snapshot is the authoritative cart returned by the remote cart API
type Snapshot struct {
	Items    []LineItem `json:"items"`
	Subtotal Money      `json:"subtotal"`
}

// RemoteCart defines the contract for the external cart API.
// Mutations return the cart as fetched after the change.
type RemoteCart interface {
	FetchCart(ctx context.Context, userID string) (Snapshot, error)
	SetQuantity(ctx context.Context, userID, remoteID string, quantity int) (Snapshot, error)
	RemoveItem(ctx context.Context, userID, remoteID string) (Snapshot, error)
	AddItem(ctx context.Context, userID string, item LineItem) (Snapshot, error)
}

// PreviewItem is one line of a shipping preview request
type PreviewItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Color     string `json:"color,omitempty"`
	Storage   string `json:"storage,omitempty"`
}

// PreviewRequest asks the order API for a shipping quote
type PreviewRequest struct {
	UserID           *string       `json:"userId"`
	ShippingLocation string        `json:"shippingLocation"`
	Items            []PreviewItem `json:"items"`
}

// NewPreviewRequest builds a preview request from a cart snapshot
func NewPreviewRequest(cart Cart, location string) PreviewRequest {
	req := PreviewRequest{
		ShippingLocation: location,
		Items:            make([]PreviewItem, 0, len(cart.Items)),
	}
	if !cart.Owner.IsGuest() {
		userID := cart.Owner.UserID
		req.UserID = &userID
	}
	for _, it := range cart.Items {
		req.Items = append(req.Items, PreviewItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Color:     it.Variant.Color,
			Storage:   it.Variant.Storage,
		})
	}
	return req
}

// ShippingQuoter computes a shipping fee for a cart
type ShippingQuoter interface {
	PreviewShipping(ctx context.Context, req PreviewRequest) (Money, error)
}

// GuestStore persists the guest cart of one device
type GuestStore interface {
	Load(ctx context.Context) []LineItem
	Save(ctx context.Context, items []LineItem) error
	Clear(ctx context.Context) error
}

// Event types
const (
	EventTypeCartUpdated    = "cart.updated"
	EventTypeCartReconciled = "cart.reconciled"
)

// Event is emitted by the engine after a confirmed change
type Event struct {
	Type      string
	SessionID string
	UserID    string
	Version   uint64
	Subtotal  Money
	Items     int
	Failed    int
	Timestamp time.Time
}

// EventPublisher delivers engine events to other services
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
