package sequencer

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/memremote"
)

type rollbackCounter struct {
	mu  sync.Mutex
	ops []string
}

func (r *rollbackCounter) Rollback(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *rollbackCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

type fixture struct {
	remote    *memremote.Remote
	cart      *domain.Aggregate
	seq       *Sequencer
	rollbacks *rollbackCounter
	lines     []domain.LineItem
}

func newFixture(t *testing.T, items ...domain.LineItem) *fixture {
	t.Helper()
	remote := memremote.New()
	lines := remote.Seed("u1", items...)
	cart := domain.NewAggregate(domain.User("u1"))
	require.NoError(t, cart.Replace(lines))
	rollbacks := &rollbackCounter{}
	return &fixture{
		remote:    remote,
		cart:      cart,
		seq:       New(cart, lines, rollbacks),
		rollbacks: rollbacks,
		lines:     lines,
	}
}

func (f *fixture) setQuantity(line domain.LineItem, qty int) Mutation {
	intent := line
	intent.Quantity = qty
	return Mutation{
		Op:     "set_quantity",
		Key:    domain.RemoteKey(line.RemoteID),
		Intent: intent,
		Send: func(ctx context.Context) (domain.Snapshot, error) {
			return f.remote.SetQuantity(ctx, "u1", line.RemoteID, qty)
		},
	}
}

func (f *fixture) quantity(t *testing.T, remoteID string) int {
	t.Helper()
	it, ok := f.cart.Get(domain.RemoteKey(remoteID))
	require.True(t, ok)
	return it.Quantity
}

func TestSequencer(t *testing.T) {
	ctx := context.Background()

	t.Run("RapidChangesOnOneLineApplyInOrder", func(t *testing.T) {
		f := newFixture(t, domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100})
		line := f.lines[0]
		release := f.remote.Hold(memremote.OpSetQuantity)

		first := f.seq.Submit(ctx, f.setQuantity(line, 2))
		second := f.seq.Submit(ctx, f.setQuantity(line, 3))

		require.Equal(t, 3, f.quantity(t, line.RemoteID))
		require.Equal(t, domain.Money(300), f.cart.Totals().Subtotal)

		release()
		require.NoError(t, first.Wait(ctx))
		require.NoError(t, second.Wait(ctx))

		require.Equal(t, 1, f.remote.PeakConcurrency(memremote.OpSetQuantity))
		require.Equal(t, 2, f.remote.Calls(memremote.OpSetQuantity))
		require.Equal(t, 3, f.remote.Items("u1")[0].Quantity)
		require.Equal(t, 3, f.quantity(t, line.RemoteID))
		require.Zero(t, f.seq.InFlight())
	})

	t.Run("FailureRollsBackToConfirmedState", func(t *testing.T) {
		f := newFixture(t, domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100})
		line := f.lines[0]
		f.remote.FailNext(memremote.OpSetQuantity, &domain.RemoteError{Op: "set_quantity", Status: http.StatusInternalServerError, Message: "boom"})
		release := f.remote.Hold(memremote.OpSetQuantity)

		pending := f.seq.Submit(ctx, f.setQuantity(line, 5))
		require.Equal(t, 5, f.quantity(t, line.RemoteID))

		release()
		err := pending.Wait(ctx)
		remoteErr, ok := domain.AsRemote(err)
		require.True(t, ok)
		require.Equal(t, http.StatusInternalServerError, remoteErr.Status)

		require.Equal(t, 1, f.quantity(t, line.RemoteID))
		require.Equal(t, domain.Money(100), f.cart.Totals().Subtotal)
		require.Equal(t, 1, f.rollbacks.count())
	})

	t.Run("FailureBeforeQueuedChangeKeepsLatestIntent", func(t *testing.T) {
		f := newFixture(t, domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100})
		line := f.lines[0]
		f.remote.FailNext(memremote.OpSetQuantity, &domain.RemoteError{Op: "set_quantity", Status: http.StatusBadGateway})
		release := f.remote.Hold(memremote.OpSetQuantity)

		first := f.seq.Submit(ctx, f.setQuantity(line, 2))
		second := f.seq.Submit(ctx, f.setQuantity(line, 4))
		release()

		require.Error(t, first.Wait(ctx))
		require.NoError(t, second.Wait(ctx))
		require.Equal(t, 4, f.quantity(t, line.RemoteID))
		require.Zero(t, f.rollbacks.count())
	})

	t.Run("DifferentLinesDoNotWaitForEachOther", func(t *testing.T) {
		f := newFixture(t,
			domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100},
			domain.LineItem{ProductID: "B", Quantity: 1, UnitPrice: 100},
		)
		release := f.remote.Hold(memremote.OpSetQuantity)
		a := f.seq.Submit(ctx, f.setQuantity(f.lines[0], 2))
		b := f.seq.Submit(ctx, f.setQuantity(f.lines[1], 2))

		require.Eventually(t, func() bool {
			return f.remote.PeakConcurrency(memremote.OpSetQuantity) == 2
		}, time.Second, 5*time.Millisecond)

		release()
		require.NoError(t, a.Wait(ctx))
		require.NoError(t, b.Wait(ctx))
	})

	t.Run("RemoveHidesLineImmediately", func(t *testing.T) {
		f := newFixture(t,
			domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100},
			domain.LineItem{ProductID: "B", Quantity: 2, UnitPrice: 50},
		)
		line := f.lines[0]
		release := f.remote.Hold(memremote.OpRemove)

		pending := f.seq.Submit(ctx, Mutation{
			Op:     "remove_item",
			Key:    domain.RemoteKey(line.RemoteID),
			Intent: line,
			Remove: true,
			Send: func(ctx context.Context) (domain.Snapshot, error) {
				return f.remote.RemoveItem(ctx, "u1", line.RemoteID)
			},
		})
		_, ok := f.cart.Get(domain.RemoteKey(line.RemoteID))
		require.False(t, ok)
		require.Equal(t, domain.Money(100), f.cart.Totals().Subtotal)

		release()
		require.NoError(t, pending.Wait(ctx))
		require.Len(t, f.cart.Items(), 1)
	})

	t.Run("CallerCancellationDoesNotCancelRemoteCall", func(t *testing.T) {
		f := newFixture(t, domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100})
		line := f.lines[0]
		release := f.remote.Hold(memremote.OpSetQuantity)

		callerCtx, cancel := context.WithCancel(ctx)
		pending := f.seq.Submit(callerCtx, f.setQuantity(line, 7))
		cancel()
		require.ErrorIs(t, pending.Wait(callerCtx), context.Canceled)

		release()
		f.seq.Drain()
		require.Equal(t, 7, f.remote.Items("u1")[0].Quantity)
		require.Equal(t, 7, f.quantity(t, line.RemoteID))
	})

	t.Run("OverlappingLinesResyncOnceIdle", func(t *testing.T) {
		f := newFixture(t,
			domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100},
			domain.LineItem{ProductID: "B", Quantity: 1, UnitPrice: 100},
		)
		f.seq = New(f.cart, f.lines, f.rollbacks, WithResync(func(ctx context.Context) (domain.Snapshot, error) {
			return f.remote.FetchCart(ctx, "u1")
		}))
		release := f.remote.Hold(memremote.OpSetQuantity)
		a := f.seq.Submit(ctx, f.setQuantity(f.lines[0], 2))
		b := f.seq.Submit(ctx, f.setQuantity(f.lines[1], 5))
		require.Eventually(t, func() bool {
			return f.remote.PeakConcurrency(memremote.OpSetQuantity) == 2
		}, time.Second, 5*time.Millisecond)

		release()
		require.NoError(t, a.Wait(ctx))
		require.NoError(t, b.Wait(ctx))
		f.seq.Drain()

		require.Equal(t, 1, f.remote.Calls(memremote.OpFetch))
		require.Equal(t, 2, f.quantity(t, f.lines[0].RemoteID))
		require.Equal(t, 5, f.quantity(t, f.lines[1].RemoteID))
	})

	t.Run("RefreshDuringInFlightMutationIsKept", func(t *testing.T) {
		f := newFixture(t,
			domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 100},
			domain.LineItem{ProductID: "B", Quantity: 1, UnitPrice: 100},
		)
		f.seq = New(f.cart, f.lines, f.rollbacks, WithResync(func(ctx context.Context) (domain.Snapshot, error) {
			return f.remote.FetchCart(ctx, "u1")
		}))
		lineA, lineB := f.lines[0], f.lines[1]

		sent := make(chan struct{})
		gate := make(chan struct{})
		m := f.setQuantity(lineA, 2)
		m.Send = func(ctx context.Context) (domain.Snapshot, error) {
			snapshot, err := f.remote.SetQuantity(ctx, "u1", lineA.RemoteID, 2)
			close(sent)
			<-gate
			return snapshot, err
		}
		pending := f.seq.Submit(ctx, m)
		<-sent

		// another device changed B and this session refetched
		_, err := f.remote.SetQuantity(ctx, "u1", lineB.RemoteID, 7)
		require.NoError(t, err)
		refreshed, err := f.remote.FetchCart(ctx, "u1")
		require.NoError(t, err)
		f.seq.Confirm(refreshed)
		require.Equal(t, 7, f.quantity(t, lineB.RemoteID))

		close(gate)
		require.NoError(t, pending.Wait(ctx))
		f.seq.Drain()

		require.Equal(t, 2, f.quantity(t, lineA.RemoteID))
		require.Equal(t, 7, f.quantity(t, lineB.RemoteID))
		require.Equal(t, 2, f.remote.Calls(memremote.OpFetch))
	})
}
