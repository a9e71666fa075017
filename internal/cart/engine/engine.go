// Package engine is the cart engine facade used by the delivery layer. One
// Engine owns the cart of one UI session and routes every mutation to the
// local store (guest) or through the mutation sequencer (user).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/metrics"
	"github.com/tair/cart-sync/internal/cart/reconcile"
	"github.com/tair/cart-sync/internal/cart/sequencer"
	"github.com/tair/cart-sync/internal/cart/shipping"
	"github.com/tair/cart-sync/pkg/logger"
)

// Operation names used in logs, metrics and remote error messages
const (
	OpAddItem     = "add_item"
	OpSetQuantity = "set_quantity"
	OpRemoveItem  = "remove_item"
	OpClear       = "clear"
	OpLogin       = "login"
	OpRefresh     = "refresh"
)

// Config holds the per-engine settings
type Config struct {
	ShippingLocation string
	ShippingTimeout  time.Duration
}

// Deps are the collaborators of an engine. Publisher and Metrics may be nil.
type Deps struct {
	Remote     domain.RemoteCart
	Quoter     domain.ShippingQuoter
	Store      domain.GuestStore
	Reconciler *reconcile.Coordinator
	Publisher  domain.EventPublisher
	Metrics    *metrics.Metrics
}

// Engine is the cart of one session
type Engine struct {
	sessionID string
	deps      Deps
	cart      *domain.Aggregate
	estimator *shipping.Estimator
	log       zerolog.Logger

	// guestMu orders guest mutations with their saves and blocks them during login
	guestMu sync.Mutex

	mu  sync.RWMutex
	seq *sequencer.Sequencer
}

// New creates an engine for sessionID. Start must be called before use.
func New(sessionID string, owner domain.Ownership, cfg Config, deps Deps) *Engine {
	cart := domain.NewAggregate(owner)
	return &Engine{
		sessionID: sessionID,
		deps:      deps,
		cart:      cart,
		estimator: shipping.NewEstimator(cart, deps.Quoter, cfg.ShippingLocation, cfg.ShippingTimeout, deps.Metrics),
		log:       logger.Component("cart-engine").With().Str("session_id", sessionID).Logger(),
	}
}

// Start loads the initial cart: the local store for guests, the remote cart for users
func (e *Engine) Start(ctx context.Context) error {
	owner := e.cart.Owner()
	if owner.IsGuest() {
		if err := e.cart.Replace(e.deps.Store.Load(ctx)); err != nil {
			e.log.Warn().Err(err).Msg("Stored guest cart rejected, starting empty")
		}
	} else {
		snapshot, err := e.deps.Remote.FetchCart(ctx, owner.UserID)
		if err != nil {
			return fmt.Errorf("failed to load user cart: %w", err)
		}
		if err := e.cart.Replace(snapshot.Items); err != nil {
			return fmt.Errorf("failed to load user cart: %w", err)
		}
		e.setSequencer(e.newSequencer(owner.UserID, snapshot.Items))
	}

	e.estimator.Start()
	e.log.Info().Str("mode", owner.Mode()).Int("items", len(e.cart.Items())).Msg("Cart engine started")
	return nil
}

// Close stops shipping estimation and waits for queued remote mutations
func (e *Engine) Close() {
	e.estimator.Stop()
	if seq := e.sequencer(); seq != nil {
		seq.Drain()
	}
}

// SessionID returns the session the engine belongs to
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Owner returns the current cart owner
func (e *Engine) Owner() domain.Ownership {
	return e.cart.Owner()
}

// Cart returns the current cart with totals
func (e *Engine) Cart() domain.Cart {
	return e.cart.Snapshot()
}

// Totals returns the current totals
func (e *Engine) Totals() domain.Totals {
	return e.cart.Totals()
}

// Subscribe registers fn for cart changes
func (e *Engine) Subscribe(fn func(domain.Change)) func() {
	return e.cart.Subscribe(fn)
}

// Lookup returns the key of the line holding productID in variant
func (e *Engine) Lookup(productID string, variant domain.Variant) (domain.Key, bool) {
	line, ok := e.cart.FindProduct(domain.LineItem{ProductID: productID, Variant: variant})
	if !ok {
		return domain.Key{}, false
	}
	return e.cart.KeyOf(line), true
}

// WaitShipping blocks until outstanding shipping previews have settled
func (e *Engine) WaitShipping() {
	e.estimator.Wait()
}

// AddItem adds item to the cart. An existing line of the same product and
// variant has its quantity raised instead.
func (e *Engine) AddItem(ctx context.Context, item domain.LineItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	item.RemoteID = ""

	return e.route(ctx, OpAddItem,
		func() error { return e.guestAdd(ctx, item) },
		func(userID string) error { return e.userAdd(ctx, userID, item) },
	)
}

// SetQuantity sets the quantity of the line identified by key
func (e *Engine) SetQuantity(ctx context.Context, key domain.Key, quantity int) error {
	if quantity < 1 {
		return &domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be at least 1, got %d", quantity)}
	}

	return e.route(ctx, OpSetQuantity,
		func() error { return e.guestSetQuantity(ctx, key, quantity) },
		func(userID string) error { return e.userSetQuantity(ctx, userID, key, quantity) },
	)
}

// RemoveItem removes the line identified by key. Unknown keys are ignored.
func (e *Engine) RemoveItem(ctx context.Context, key domain.Key) error {
	return e.route(ctx, OpRemoveItem,
		func() error { return e.guestRemove(ctx, key) },
		func(userID string) error {
			pending := e.userRemove(ctx, userID, key)
			if pending == nil {
				return nil
			}
			return pending.Wait(ctx)
		},
	)
}

// Clear empties the cart
func (e *Engine) Clear(ctx context.Context) error {
	return e.route(ctx, OpClear,
		func() error { return e.guestClear(ctx) },
		func(userID string) error { return e.userClear(ctx, userID) },
	)
}

// Refresh re-fetches a user cart, e.g. after it changed on another device.
// Guest carts are not reloaded.
func (e *Engine) Refresh(ctx context.Context) error {
	seq := e.sequencer()
	owner := e.cart.Owner()
	if owner.IsGuest() || seq == nil {
		return nil
	}

	snapshot, err := e.deps.Remote.FetchCart(ctx, owner.UserID)
	e.deps.Metrics.Mutation(OpRefresh, owner.Mode(), err)
	if err != nil {
		return fmt.Errorf("failed to refresh cart: %w", err)
	}
	seq.Confirm(snapshot)
	return nil
}

// Login merges the guest cart into the user's remote cart and switches the
// engine to user mode. It succeeds once; guest mutations wait until it is done.
// A partial merge still switches ownership and returns *domain.PartialMergeFailure.
func (e *Engine) Login(ctx context.Context, userID string) (reconcile.Result, error) {
	if userID == "" {
		return reconcile.Result{}, &domain.ValidationError{Field: "user_id", Reason: "is required"}
	}

	e.guestMu.Lock()
	defer e.guestMu.Unlock()

	if !e.cart.Owner().IsGuest() {
		return reconcile.Result{}, domain.ErrAlreadyAuthenticated
	}

	result, mergeErr := e.deps.Reconciler.Merge(ctx, userID, e.cart.Items(), e.deps.Store)
	var partial *domain.PartialMergeFailure
	if mergeErr != nil && !errors.As(mergeErr, &partial) {
		e.deps.Metrics.Mutation(OpLogin, "guest", mergeErr)
		return result, mergeErr
	}

	if err := e.cart.Transition(userID, result.Snapshot.Items); err != nil {
		e.deps.Metrics.Mutation(OpLogin, "guest", err)
		return result, fmt.Errorf("failed to switch cart owner: %w", err)
	}
	e.setSequencer(e.newSequencer(userID, result.Snapshot.Items))
	e.deps.Metrics.Mutation(OpLogin, "guest", nil)

	e.log.Info().
		Str("user_id", userID).
		Int("merged", result.Merged).
		Int("failed", len(result.Failed)).
		Msg("Guest cart moved to user")
	e.publish(ctx, domain.EventTypeCartReconciled, len(result.Failed))
	return result, mergeErr
}

// route runs guest or user under the current ownership and records the outcome
func (e *Engine) route(ctx context.Context, op string, guest func() error, user func(userID string) error) error {
	e.guestMu.Lock()
	owner := e.cart.Owner()
	var err error
	if owner.IsGuest() {
		err = guest()
		e.guestMu.Unlock()
	} else {
		e.guestMu.Unlock()
		err = user(owner.UserID)
	}

	e.deps.Metrics.Mutation(op, owner.Mode(), err)
	if err == nil {
		e.publish(ctx, domain.EventTypeCartUpdated, 0)
	}
	return err
}

func (e *Engine) guestAdd(ctx context.Context, item domain.LineItem) error {
	line := item
	if existing, ok := e.cart.Get(domain.VariantKey(item.ProductID, item.Variant)); ok {
		line = existing
		line.Quantity += item.Quantity
	}
	if err := e.cart.Upsert(line); err != nil {
		return err
	}
	e.persist(ctx)
	return nil
}

func (e *Engine) guestSetQuantity(ctx context.Context, key domain.Key, quantity int) error {
	line, ok := e.cart.Get(key)
	if !ok {
		return domain.ErrItemNotFound
	}
	line.Quantity = quantity
	if err := e.cart.Upsert(line); err != nil {
		return err
	}
	e.persist(ctx)
	return nil
}

func (e *Engine) guestRemove(ctx context.Context, key domain.Key) error {
	if e.cart.Remove(key) {
		e.persist(ctx)
	}
	return nil
}

func (e *Engine) guestClear(ctx context.Context) error {
	if err := e.cart.Replace(nil); err != nil {
		return err
	}
	if err := e.deps.Store.Clear(ctx); err != nil {
		e.deps.Metrics.PersistFailed()
		e.log.Error().Err(err).Msg("Failed to clear guest cart")
	}
	return nil
}

// persist saves the guest cart. Failures are logged and absorbed.
func (e *Engine) persist(ctx context.Context) {
	if err := e.deps.Store.Save(ctx, e.cart.Items()); err != nil {
		e.deps.Metrics.PersistFailed()
		e.log.Error().Err(err).Msg("Failed to persist guest cart")
	}
}

func (e *Engine) userAdd(ctx context.Context, userID string, item domain.LineItem) error {
	seq := e.sequencer()

	intent := item
	key := domain.VariantKey(item.ProductID, item.Variant)
	if existing, ok := e.cart.FindProduct(item); ok {
		intent = existing
		intent.Quantity += item.Quantity
		key = e.cart.KeyOf(existing)
	}
	if err := intent.Validate(); err != nil {
		return err
	}

	pending := seq.Submit(ctx, sequencer.Mutation{
		Op:     OpAddItem,
		Key:    key,
		Intent: intent,
		Send: func(ctx context.Context) (domain.Snapshot, error) {
			if confirmed, ok := findConfirmed(seq, item); ok {
				return e.deps.Remote.SetQuantity(ctx, userID, confirmed.RemoteID, confirmed.Quantity+item.Quantity)
			}
			return e.deps.Remote.AddItem(ctx, userID, item)
		},
	})
	return pending.Wait(ctx)
}

func (e *Engine) userSetQuantity(ctx context.Context, userID string, key domain.Key, quantity int) error {
	line, ok := e.cart.Get(key)
	if !ok {
		return domain.ErrItemNotFound
	}
	seq := e.sequencer()

	intent := line
	intent.Quantity = quantity
	pending := seq.Submit(ctx, sequencer.Mutation{
		Op:     OpSetQuantity,
		Key:    e.cart.KeyOf(line),
		Intent: intent,
		Send: func(ctx context.Context) (domain.Snapshot, error) {
			remoteID, err := resolveRemoteID(seq, line)
			if err != nil {
				return domain.Snapshot{}, err
			}
			return e.deps.Remote.SetQuantity(ctx, userID, remoteID, quantity)
		},
	})
	return pending.Wait(ctx)
}

func (e *Engine) userRemove(ctx context.Context, userID string, key domain.Key) *sequencer.Pending {
	line, ok := e.cart.Get(key)
	if !ok {
		return nil
	}
	seq := e.sequencer()

	return seq.Submit(ctx, sequencer.Mutation{
		Op:     OpRemoveItem,
		Key:    e.cart.KeyOf(line),
		Intent: line,
		Remove: true,
		Send: func(ctx context.Context) (domain.Snapshot, error) {
			remoteID, err := resolveRemoteID(seq, line)
			if errors.Is(err, domain.ErrItemNotFound) {
				return e.deps.Remote.FetchCart(ctx, userID)
			}
			if err != nil {
				return domain.Snapshot{}, err
			}
			return e.deps.Remote.RemoveItem(ctx, userID, remoteID)
		},
	})
}

func (e *Engine) userClear(ctx context.Context, userID string) error {
	items := e.cart.Items()
	pendings := make([]*sequencer.Pending, 0, len(items))
	for _, it := range items {
		if p := e.userRemove(ctx, userID, e.cart.KeyOf(it)); p != nil {
			pendings = append(pendings, p)
		}
	}

	var errs []error
	for _, p := range pendings {
		if err := p.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) publish(ctx context.Context, eventType string, failed int) {
	if e.deps.Publisher == nil {
		return
	}
	snapshot := e.cart.Snapshot()
	event := domain.Event{
		Type:      eventType,
		SessionID: e.sessionID,
		UserID:    snapshot.Owner.UserID,
		Version:   snapshot.Totals.Version,
		Subtotal:  snapshot.Totals.Subtotal,
		Items:     len(snapshot.Items),
		Failed:    failed,
		Timestamp: time.Now(),
	}
	if err := e.deps.Publisher.Publish(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to publish cart event")
	}
}

func (e *Engine) newSequencer(userID string, confirmed []domain.LineItem) *sequencer.Sequencer {
	return sequencer.New(e.cart, confirmed, e.deps.Metrics,
		sequencer.WithResync(func(ctx context.Context) (domain.Snapshot, error) {
			return e.deps.Remote.FetchCart(ctx, userID)
		}),
	)
}

func (e *Engine) sequencer() *sequencer.Sequencer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

func (e *Engine) setSequencer(seq *sequencer.Sequencer) {
	e.mu.Lock()
	e.seq = seq
	e.mu.Unlock()
}

// findConfirmed looks up the server line of a product and variant
func findConfirmed(seq *sequencer.Sequencer, item domain.LineItem) (domain.LineItem, bool) {
	for _, it := range seq.Confirmed() {
		if it.SameProduct(item) {
			return it, true
		}
	}
	return domain.LineItem{}, false
}

// resolveRemoteID returns the server id of line. Lines added optimistically get
// theirs once the add is confirmed, which happens before later work on the same lane runs.
func resolveRemoteID(seq *sequencer.Sequencer, line domain.LineItem) (string, error) {
	if line.RemoteID != "" {
		return line.RemoteID, nil
	}
	if confirmed, ok := findConfirmed(seq, line); ok {
		return confirmed.RemoteID, nil
	}
	return "", domain.ErrItemNotFound
}
