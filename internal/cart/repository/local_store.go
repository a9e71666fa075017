package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/pkg/logger"
)

// GuestCartKey returns the fixed storage key of a session's guest cart
func GuestCartKey(sessionID string) string {
	return "cart:guest:" + sessionID
}

// storedItem is the persisted shape of one guest line
type storedItem struct {
	ProductID       string `json:"productId"`
	Quantity        int    `json:"quantity"`
	Price           int64  `json:"price"`
	SelectedColor   string `json:"selectedColor,omitempty"`
	SelectedStorage string `json:"selectedStorage,omitempty"`
	Image           string `json:"image,omitempty"`
}

// LocalStore persists one guest cart under a fixed key
type LocalStore struct {
	kv  KV
	key string
	log zerolog.Logger
}

// NewLocalStore creates a guest cart store bound to key
func NewLocalStore(kv KV, key string) *LocalStore {
	return &LocalStore{
		kv:  kv,
		key: key,
		log: logger.Component("local-store").With().Str("key", key).Logger(),
	}
}

// Load returns the persisted guest lines. Missing or corrupt data yields an empty cart.
func (s *LocalStore) Load(ctx context.Context) []domain.LineItem {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.log.Warn().Err(&domain.PersistenceError{Op: "load", Key: s.key, Err: err}).
			Msg("Guest cart unreadable, starting empty")
		return nil
	}

	items, err := decodeItems(raw)
	if err != nil {
		s.log.Warn().Err(err).Int("size", len(raw)).Msg("Guest cart corrupt, starting empty")
		return nil
	}
	return items
}

// Save writes the guest lines, replacing what was stored before
func (s *LocalStore) Save(ctx context.Context, items []domain.LineItem) error {
	stored := make([]storedItem, 0, len(items))
	for _, it := range items {
		stored = append(stored, storedItem{
			ProductID:       it.ProductID,
			Quantity:        it.Quantity,
			Price:           int64(it.UnitPrice),
			SelectedColor:   it.Variant.Color,
			SelectedStorage: it.Variant.Storage,
			Image:           it.Image,
		})
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return &domain.PersistenceError{Op: "save", Key: s.key, Err: err}
	}
	if err := s.kv.Set(ctx, s.key, raw); err != nil {
		return &domain.PersistenceError{Op: "save", Key: s.key, Err: err}
	}
	return nil
}

// Clear removes the stored guest cart
func (s *LocalStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		return &domain.PersistenceError{Op: "clear", Key: s.key, Err: err}
	}
	return nil
}

func decodeItems(raw []byte) ([]domain.LineItem, error) {
	var stored []storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode guest cart: %w", err)
	}

	seen := make(map[domain.Key]struct{}, len(stored))
	items := make([]domain.LineItem, 0, len(stored))
	for _, st := range stored {
		it := domain.LineItem{
			ProductID: st.ProductID,
			Variant:   domain.Variant{Color: st.SelectedColor, Storage: st.SelectedStorage},
			Quantity:  st.Quantity,
			UnitPrice: domain.Money(st.Price),
			Image:     st.Image,
		}
		if err := it.Validate(); err != nil {
			return nil, err
		}
		key := domain.Guest().KeyOf(it)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate guest line %s", key)
		}
		seen[key] = struct{}{}
		items = append(items, it)
	}
	return items, nil
}
