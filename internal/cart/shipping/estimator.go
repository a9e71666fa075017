// Package shipping keeps the cart's shipping fee in line with its contents.
// Every quote is tagged with the cart version it was requested for and is
// dropped if the cart changed in the meantime.
package shipping

import (
	"context"
	"sync"
	"time"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/metrics"
	"github.com/tair/cart-sync/pkg/logger"
)

// OutcomeObserver receives one outcome per cart version
type OutcomeObserver interface {
	ShippingEstimate(result string)
}

// Estimator issues shipping previews on cart changes
type Estimator struct {
	cart     *domain.Aggregate
	quoter   domain.ShippingQuoter
	location string
	timeout  time.Duration
	observer OutcomeObserver

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	mu          sync.Mutex
	stopped     bool
}

// NewEstimator creates an estimator for cart. Start must be called to follow changes.
func NewEstimator(cart *domain.Aggregate, quoter domain.ShippingQuoter, location string, timeout time.Duration, observer OutcomeObserver) *Estimator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Estimator{
		cart:     cart,
		quoter:   quoter,
		location: location,
		timeout:  timeout,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the cart and quotes its current contents
func (e *Estimator) Start() {
	e.unsubscribe = e.cart.Subscribe(e.onChange)
	snapshot := e.cart.Snapshot()
	e.schedule(snapshot.Totals.Version, snapshot)
}

// Stop unsubscribes, cancels outstanding previews and waits for them
func (e *Estimator) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until every issued preview has been applied or discarded
func (e *Estimator) Wait() {
	e.wg.Wait()
}

func (e *Estimator) onChange(change domain.Change) {
	if change.Kind == domain.ChangeShipping {
		return
	}
	e.schedule(change.Version, change.Cart)
}

func (e *Estimator) schedule(version uint64, cart domain.Cart) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if len(cart.Items) == 0 {
		e.mu.Unlock()
		e.cart.ApplyShippingFee(version, 0)
		e.record(metrics.ShippingSkipped)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	req := domain.NewPreviewRequest(cart, e.location)
	go e.estimate(version, req)
}

func (e *Estimator) estimate(version uint64, req domain.PreviewRequest) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	fee, err := e.quoter.PreviewShipping(ctx, req)
	if err != nil {
		logger.Warn(ctx).
			Err(&domain.EstimationError{Version: version, Err: err}).
			Msg("Shipping preview failed, using zero fee")
		fee = 0
	}

	if !e.cart.ApplyShippingFee(version, fee) {
		logger.Debug(ctx).
			Uint64("version", version).
			Uint64("current_version", e.cart.Version()).
			Msg("Discarded stale shipping preview")
		e.record(metrics.ShippingStale)
		return
	}
	if err != nil {
		e.record(metrics.ShippingFailed)
		return
	}
	e.record(metrics.ShippingApplied)
}

func (e *Estimator) record(result string) {
	if e.observer != nil {
		e.observer.ShippingEstimate(result)
	}
}
