package domain

import (
	"fmt"
	"math"
)

// Money is an amount in the smallest unit the cart API transmits
type Money int64

// MaxQuantity bounds the quantity of a single line
const MaxQuantity = 1_000_000

// AddMoney returns a+b, or false if the sum does not fit in Money
func AddMoney(a, b Money) (Money, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

// Variant holds the optional product options that distinguish cart lines
type Variant struct {
	Color   string `json:"color,omitempty"`
	Storage string `json:"storage,omitempty"`
}

// LineItem represents one entry of a cart
type LineItem struct {
	ProductID string  `json:"product_id"`
	Variant   Variant `json:"variant"`
	Quantity  int     `json:"quantity"`
	UnitPrice Money   `json:"unit_price"`
	RemoteID  string  `json:"remote_id,omitempty"`
	Image     string  `json:"image,omitempty"`
}

// LineTotal is always derived from unit price and quantity
func (i LineItem) LineTotal() Money {
	return i.UnitPrice * Money(i.Quantity)
}

// Validate checks the line item invariants
func (i LineItem) Validate() error {
	if i.ProductID == "" {
		return &ValidationError{Field: "product_id", Reason: "is required"}
	}
	if i.Quantity < 1 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be at least 1, got %d", i.Quantity)}
	}
	if i.Quantity > MaxQuantity {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be at most %d, got %d", MaxQuantity, i.Quantity)}
	}
	if i.UnitPrice < 0 {
		return &ValidationError{Field: "unit_price", Reason: "cannot be negative"}
	}
	if i.UnitPrice > Money(math.MaxInt64/int64(i.Quantity)) {
		return &ValidationError{Field: "unit_price", Reason: "line total out of range"}
	}
	return nil
}

// SameProduct reports whether both items refer to the same product and variant.
// Used to match lines across ownership modes during a merge.
func (i LineItem) SameProduct(o LineItem) bool {
	return i.ProductID == o.ProductID && i.Variant == o.Variant
}

// Key identifies a line item inside a cart
type Key struct {
	RemoteID  string
	ProductID string
	Color     string
	Storage   string
}

// VariantKey builds the identity used by guest carts
func VariantKey(productID string, v Variant) Key {
	return Key{ProductID: productID, Color: v.Color, Storage: v.Storage}
}

// RemoteKey builds the identity of a server-confirmed line
func RemoteKey(remoteID string) Key {
	return Key{RemoteID: remoteID}
}

// IsRemote reports whether the key is a server-assigned identity
func (k Key) IsRemote() bool {
	return k.RemoteID != ""
}

func (k Key) String() string {
	if k.IsRemote() {
		return "remote:" + k.RemoteID
	}
	return fmt.Sprintf("variant:%s/%s/%s", k.ProductID, k.Color, k.Storage)
}

// Ownership is the cart owner: a guest device or an authenticated user
type Ownership struct {
	UserID string `json:"user_id,omitempty"`
}

// Guest returns the anonymous ownership
func Guest() Ownership {
	return Ownership{}
}

// User returns the ownership of an authenticated user
func User(userID string) Ownership {
	return Ownership{UserID: userID}
}

func (o Ownership) IsGuest() bool {
	return o.UserID == ""
}

// Mode is used as a label in logs and metrics
func (o Ownership) Mode() string {
	if o.IsGuest() {
		return "guest"
	}
	return "user"
}

// KeyOf returns the identity of an item under this ownership. User carts use the
// server id once the line is confirmed and fall back to the variant before that.
func (o Ownership) KeyOf(item LineItem) Key {
	if !o.IsGuest() && item.RemoteID != "" {
		return RemoteKey(item.RemoteID)
	}
	return VariantKey(item.ProductID, item.Variant)
}
