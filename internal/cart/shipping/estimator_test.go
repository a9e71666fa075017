package shipping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/metrics"
)

type quoteCall struct {
	req   domain.PreviewRequest
	reply chan quoteResult
}

type quoteResult struct {
	fee domain.Money
	err error
}

// scriptedQuoter hands every request to the test, which decides when and how it is answered
type scriptedQuoter struct {
	calls chan quoteCall
}

func newScriptedQuoter() *scriptedQuoter {
	return &scriptedQuoter{calls: make(chan quoteCall, 16)}
}

func (q *scriptedQuoter) PreviewShipping(ctx context.Context, req domain.PreviewRequest) (domain.Money, error) {
	call := quoteCall{req: req, reply: make(chan quoteResult, 1)}
	q.calls <- call
	select {
	case res := <-call.reply:
		return res.fee, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *scriptedQuoter) next(t *testing.T) quoteCall {
	t.Helper()
	select {
	case call := <-q.calls:
		return call
	case <-time.After(time.Second):
		t.Fatal("expected a shipping preview request")
		return quoteCall{}
	}
}

type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) ShippingEstimate(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[result]++
}

func (o *outcomes) get(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[result]
}

func line(productID string, qty int) domain.LineItem {
	return domain.LineItem{ProductID: productID, Quantity: qty, UnitPrice: 100}
}

func TestEstimator(t *testing.T) {
	t.Run("EmptyCartSkipsPreview", func(t *testing.T) {
		cart := domain.NewAggregate(domain.Guest())
		quoter := newScriptedQuoter()
		seen := &outcomes{}
		est := NewEstimator(cart, quoter, "Jakarta", time.Second, seen)
		est.Start()
		defer est.Stop()

		require.NoError(t, cart.Upsert(line("A", 1)))
		quoter.next(t).reply <- quoteResult{fee: 700}
		est.Wait()

		cart.Remove(domain.VariantKey("A", domain.Variant{}))
		est.Wait()

		require.Empty(t, quoter.calls)
		require.Zero(t, cart.Totals().ShippingFee)
		require.False(t, cart.Totals().ShippingPending)
		require.Equal(t, 2, seen.get(metrics.ShippingSkipped))
	})

	t.Run("LateResponseForOlderVersionIsDiscarded", func(t *testing.T) {
		cart := domain.NewAggregate(domain.Guest())
		quoter := newScriptedQuoter()
		seen := &outcomes{}
		est := NewEstimator(cart, quoter, "Jakarta", time.Second, seen)
		est.Start()
		defer est.Stop()

		require.NoError(t, cart.Upsert(line("A", 1)))
		require.NoError(t, cart.Upsert(line("B", 1)))

		calls := map[int]quoteCall{}
		for i := 0; i < 2; i++ {
			call := quoter.next(t)
			calls[len(call.req.Items)] = call
		}

		calls[2].reply <- quoteResult{fee: 500}
		require.Eventually(t, func() bool { return seen.get(metrics.ShippingApplied) == 1 }, time.Second, time.Millisecond)
		calls[1].reply <- quoteResult{fee: 999}
		est.Wait()

		totals := cart.Totals()
		require.Equal(t, domain.Money(500), totals.ShippingFee)
		require.Equal(t, domain.Money(700), totals.GrandTotal)
		require.Equal(t, 1, seen.get(metrics.ShippingStale))
	})

	t.Run("OnlyLatestIssuedVersionApplies", func(t *testing.T) {
		cart := domain.NewAggregate(domain.Guest())
		quoter := newScriptedQuoter()
		est := NewEstimator(cart, quoter, "", time.Second, nil)
		est.Start()
		defer est.Stop()

		require.NoError(t, cart.Upsert(line("A", 1)))
		first := quoter.next(t)
		require.NoError(t, cart.Upsert(line("A", 3)))
		second := quoter.next(t)

		first.reply <- quoteResult{fee: 100}
		second.reply <- quoteResult{fee: 300}
		est.Wait()

		require.Equal(t, domain.Money(300), cart.Totals().ShippingFee)
		require.False(t, cart.Totals().ShippingPending)
	})

	t.Run("FailedPreviewDegradesToZero", func(t *testing.T) {
		cart := domain.NewAggregate(domain.Guest())
		quoter := newScriptedQuoter()
		seen := &outcomes{}
		est := NewEstimator(cart, quoter, "", time.Second, seen)
		est.Start()
		defer est.Stop()

		require.NoError(t, cart.Upsert(line("A", 1)))
		quoter.next(t).reply <- quoteResult{fee: 400}
		est.Wait()
		require.Equal(t, domain.Money(400), cart.Totals().ShippingFee)

		require.NoError(t, cart.Upsert(line("A", 2)))
		quoter.next(t).reply <- quoteResult{err: errors.New("order service down")}
		est.Wait()

		totals := cart.Totals()
		require.Zero(t, totals.ShippingFee)
		require.False(t, totals.ShippingPending)
		require.Equal(t, domain.Money(200), totals.GrandTotal)
		require.Equal(t, 1, seen.get(metrics.ShippingFailed))
	})

	t.Run("PreviewCarriesOwnershipAndItems", func(t *testing.T) {
		cart := domain.NewAggregate(domain.User("u1"))
		quoter := newScriptedQuoter()
		est := NewEstimator(cart, quoter, "Bandung", time.Second, nil)
		est.Start()
		defer est.Stop()

		require.NoError(t, cart.Upsert(domain.LineItem{
			ProductID: "A", Variant: domain.Variant{Color: "red", Storage: "64GB"}, Quantity: 2, UnitPrice: 1, RemoteID: "r1",
		}))
		call := quoter.next(t)
		call.reply <- quoteResult{fee: 1}

		require.NotNil(t, call.req.UserID)
		require.Equal(t, "u1", *call.req.UserID)
		require.Equal(t, "Bandung", call.req.ShippingLocation)
		require.Equal(t, []domain.PreviewItem{{ProductID: "A", Quantity: 2, Color: "red", Storage: "64GB"}}, call.req.Items)
	})
}
