package engine

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/memremote"
	"github.com/tair/cart-sync/internal/cart/metrics"
	"github.com/tair/cart-sync/internal/cart/reconcile"
	"github.com/tair/cart-sync/internal/cart/repository"
)

func newTestManager(remote *memremote.Remote, reg *prometheus.Registry) *Manager {
	kv := repository.NewMemoryKV()
	m := metrics.New(reg)
	return NewManager(Config{}, ManagerDeps{
		Remote: remote,
		Quoter: remote,
		Stores: func(sessionID string) domain.GuestStore {
			return repository.NewLocalStore(kv, repository.GuestCartKey(sessionID))
		},
		Reconciler: reconcile.NewCoordinator(remote, nil, reconcile.PolicyClear, m),
		Metrics:    m,
	})
}

func activeSessions(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "cart_active_sessions" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("cart_active_sessions not registered")
	return 0
}

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("OneEnginePerSession", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := newTestManager(memremote.New(), reg)
		defer m.Close()

		first, err := m.Get(ctx, "s1", domain.Guest())
		require.NoError(t, err)
		again, err := m.Get(ctx, "s1", domain.User("u1"))
		require.NoError(t, err)
		other, err := m.Get(ctx, "s2", domain.Guest())
		require.NoError(t, err)

		assert.Same(t, first, again)
		assert.NotSame(t, first, other)
		assert.True(t, again.Owner().IsGuest())
		assert.Equal(t, 2, m.Len())

		assert.Equal(t, 2.0, activeSessions(t, reg))

		m.Evict("s1")
		assert.Equal(t, 1, m.Len())
		assert.Equal(t, 1.0, activeSessions(t, reg))
	})

	t.Run("GuestCartsAreIsolatedPerSession", func(t *testing.T) {
		m := newTestManager(memremote.New(), prometheus.NewRegistry())
		defer m.Close()

		s1, err := m.Get(ctx, "s1", domain.Guest())
		require.NoError(t, err)
		require.NoError(t, s1.AddItem(ctx, domain.LineItem{ProductID: "A", Quantity: 1}))

		m.Evict("s1")
		restored, err := m.Get(ctx, "s1", domain.Guest())
		require.NoError(t, err)
		assert.Len(t, restored.Cart().Items, 1)

		s2, err := m.Get(ctx, "s2", domain.Guest())
		require.NoError(t, err)
		assert.Empty(t, s2.Cart().Items)
	})

	t.Run("RefreshUserSkipsOrigin", func(t *testing.T) {
		remote := memremote.New()
		remote.Seed("u1", domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 10})
		m := newTestManager(remote, prometheus.NewRegistry())
		defer m.Close()

		phone, err := m.Get(ctx, "phone", domain.User("u1"))
		require.NoError(t, err)
		laptop, err := m.Get(ctx, "laptop", domain.User("u1"))
		require.NoError(t, err)
		stranger, err := m.Get(ctx, "stranger", domain.User("u2"))
		require.NoError(t, err)

		require.NoError(t, phone.SetQuantity(ctx, domain.RemoteKey(phone.Cart().Items[0].RemoteID), 4))
		require.NoError(t, m.RefreshUser(ctx, "u1", "phone"))

		assert.Equal(t, 4, laptop.Cart().Items[0].Quantity)
		assert.Empty(t, stranger.Cart().Items)
		assert.Equal(t, 1, remote.Calls(memremote.OpSetQuantity))
	})

	t.Run("FailedStartIsNotKept", func(t *testing.T) {
		remote := memremote.New()
		remote.FailNext(memremote.OpFetch, &domain.RemoteError{Op: memremote.OpFetch, Status: http.StatusBadGateway})
		reg := prometheus.NewRegistry()
		m := newTestManager(remote, reg)
		defer m.Close()

		_, err := m.Get(ctx, "s1", domain.User("u1"))
		require.Error(t, err)
		assert.Zero(t, m.Len())
		assert.Zero(t, activeSessions(t, reg))

		_, err = m.Get(ctx, "s1", domain.User("u1"))
		require.NoError(t, err)
	})

	t.Run("RequiresSessionID", func(t *testing.T) {
		m := newTestManager(memremote.New(), prometheus.NewRegistry())
		defer m.Close()
		_, err := m.Get(ctx, "", domain.Guest())
		require.True(t, domain.IsValidation(err))
	})

	t.Run("SlowStartDoesNotBlockOtherSessions", func(t *testing.T) {
		remote := memremote.New()
		remote.Seed("u1", domain.LineItem{ProductID: "A", Quantity: 1, UnitPrice: 10})
		release := remote.Hold(memremote.OpFetch)
		defer release()
		m := newTestManager(remote, prometheus.NewRegistry())
		defer m.Close()

		slow := make(chan error, 1)
		go func() {
			_, err := m.Get(ctx, "slow", domain.User("u1"))
			slow <- err
		}()
		require.Eventually(t, func() bool {
			return remote.Calls(memremote.OpFetch) == 1
		}, time.Second, 5*time.Millisecond)

		guest := make(chan error, 1)
		go func() {
			_, err := m.Get(ctx, "guest", domain.Guest())
			guest <- err
		}()
		select {
		case err := <-guest:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("guest session waited for another session's remote fetch")
		}
		assert.Equal(t, 1, m.Len())

		release()
		require.NoError(t, <-slow)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("ConcurrentFirstRequestsShareOneEngine", func(t *testing.T) {
		remote := memremote.New()
		release := remote.Hold(memremote.OpFetch)
		reg := prometheus.NewRegistry()
		m := newTestManager(remote, reg)
		defer m.Close()

		const callers = 5
		engines := make([]*Engine, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				e, err := m.Get(ctx, "s1", domain.User("u1"))
				assert.NoError(t, err)
				engines[i] = e
			}(i)
		}
		require.Eventually(t, func() bool {
			return remote.Calls(memremote.OpFetch) == 1
		}, time.Second, 5*time.Millisecond)
		release()
		wg.Wait()

		for _, e := range engines[1:] {
			assert.Same(t, engines[0], e)
		}
		assert.Equal(t, 1, m.Len())
		assert.Equal(t, 1.0, activeSessions(t, reg))
	})

	t.Run("IdleSessionsAreEvicted", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := newTestManager(memremote.New(), reg)
		defer m.Close()

		clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return clock }

		_, err := m.Get(ctx, "idle", domain.Guest())
		require.NoError(t, err)
		busy, err := m.Get(ctx, "busy", domain.Guest())
		require.NoError(t, err)
		assert.Equal(t, 2.0, activeSessions(t, reg))

		clock = clock.Add(20 * time.Minute)
		again, err := m.Get(ctx, "busy", domain.Guest())
		require.NoError(t, err)
		assert.Same(t, busy, again)

		clock = clock.Add(15 * time.Minute)
		assert.Equal(t, 1, m.EvictIdle(30*time.Minute))
		assert.Equal(t, 1, m.Len())
		assert.Equal(t, 1.0, activeSessions(t, reg))

		assert.Zero(t, m.EvictIdle(30*time.Minute))

		clock = clock.Add(30 * time.Minute)
		assert.Equal(t, 1, m.EvictIdle(30*time.Minute))
		assert.Zero(t, m.Len())
		assert.Zero(t, activeSessions(t, reg))
	})

	t.Run("JanitorStopsWithContext", func(t *testing.T) {
		m := newTestManager(memremote.New(), prometheus.NewRegistry())
		defer m.Close()
		_, err := m.Get(ctx, "s1", domain.Guest())
		require.NoError(t, err)

		janitorCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			m.RunJanitor(janitorCtx, time.Nanosecond, 5*time.Millisecond)
			close(done)
		}()

		require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("janitor kept running after cancel")
		}
	})
}
