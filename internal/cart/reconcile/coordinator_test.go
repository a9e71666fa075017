package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/memremote"
	"github.com/tair/cart-sync/internal/cart/repository"
)

type itemCounter struct {
	actions map[string]int
	errors  int
}

func (c *itemCounter) ReconcileItem(action string, err error) {
	if c.actions == nil {
		c.actions = make(map[string]int)
	}
	c.actions[action]++
	if err != nil {
		c.errors++
	}
}

type CoordinatorSuite struct {
	suite.Suite
	ctx      context.Context
	remote   *memremote.Remote
	store    *repository.LocalStore
	observed *itemCounter
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.remote = memremote.New()
	s.store = repository.NewLocalStore(repository.NewMemoryKV(), repository.GuestCartKey("device-1"))
	s.observed = &itemCounter{}
}

func (s *CoordinatorSuite) coordinator(policy Policy) *Coordinator {
	return NewCoordinator(s.remote, rate.NewLimiter(rate.Inf, 1), policy, s.observed)
}

func (s *CoordinatorSuite) guest(items ...domain.LineItem) []domain.LineItem {
	s.Require().NoError(s.store.Save(s.ctx, items))
	return items
}

func redA(qty int) domain.LineItem {
	return domain.LineItem{ProductID: "A", Variant: domain.Variant{Color: "red"}, Quantity: qty, UnitPrice: 100}
}

func (s *CoordinatorSuite) TestNewProductIsAdded() {
	guest := s.guest(redA(2))

	result, err := s.coordinator(PolicyClear).Merge(s.ctx, "u1", guest, s.store)
	s.Require().NoError(err)

	s.Require().Len(result.Snapshot.Items, 1)
	s.Equal(2, result.Snapshot.Items[0].Quantity)
	s.NotEmpty(result.Snapshot.Items[0].RemoteID)
	s.Equal(1, result.Merged)
	s.True(result.Cleared)
	s.Empty(s.store.Load(s.ctx))
	s.Equal(1, s.remote.Calls(memremote.OpAdd))
	s.Equal(1, s.observed.actions[ActionAdd])
}

func (s *CoordinatorSuite) TestExistingProductQuantitiesAreSummed() {
	s.remote.Seed("u1", redA(3))
	guest := s.guest(redA(2))

	result, err := s.coordinator(PolicyClear).Merge(s.ctx, "u1", guest, s.store)
	s.Require().NoError(err)

	s.Require().Len(result.Snapshot.Items, 1)
	s.Equal(5, result.Snapshot.Items[0].Quantity)
	s.Equal(domain.Money(500), result.Snapshot.Subtotal)
	s.Zero(s.remote.Calls(memremote.OpAdd))
	s.Equal(1, s.remote.Calls(memremote.OpSetQuantity))
	s.Equal(1, s.observed.actions[ActionIncrease])
}

func (s *CoordinatorSuite) TestDifferentVariantIsSeparateLine() {
	s.remote.Seed("u1", redA(3))
	blue := redA(1)
	blue.Variant.Color = "blue"
	guest := s.guest(blue)

	result, err := s.coordinator(PolicyClear).Merge(s.ctx, "u1", guest, s.store)
	s.Require().NoError(err)
	s.Len(result.Snapshot.Items, 2)
}

func (s *CoordinatorSuite) TestFailedLineDoesNotStopMerge() {
	b := domain.LineItem{ProductID: "B", Quantity: 1, UnitPrice: 50}
	guest := s.guest(redA(2), b)
	s.remote.FailNext(memremote.OpAdd, &domain.RemoteError{Op: memremote.OpAdd, Status: http.StatusInternalServerError})

	result, err := s.coordinator(PolicyClear).Merge(s.ctx, "u1", guest, s.store)

	var partial *domain.PartialMergeFailure
	s.Require().ErrorAs(err, &partial)
	s.Require().Len(partial.Failures, 1)
	s.Equal("A", partial.Failures[0].Item.ProductID)

	s.Equal(1, result.Merged)
	s.Require().Len(result.Snapshot.Items, 1)
	s.Equal("B", result.Snapshot.Items[0].ProductID)
	s.True(result.Cleared)
	s.Empty(s.store.Load(s.ctx))
	s.Equal(1, s.observed.errors)
}

func (s *CoordinatorSuite) TestRetainFailedKeepsUnmergedLines() {
	b := domain.LineItem{ProductID: "B", Quantity: 1, UnitPrice: 50}
	guest := s.guest(redA(2), b)
	s.remote.FailNext(memremote.OpAdd, errors.New("connection reset"))

	result, err := s.coordinator(PolicyRetainFailed).Merge(s.ctx, "u1", guest, s.store)
	s.Require().Error(err)
	s.False(result.Cleared)
	s.Equal([]domain.LineItem{redA(2)}, s.store.Load(s.ctx))
}

func (s *CoordinatorSuite) TestFetchFailureLeavesGuestCartAlone() {
	guest := s.guest(redA(2))
	s.remote.FailNext(memremote.OpFetch, &domain.RemoteError{Op: memremote.OpFetch, Status: http.StatusServiceUnavailable})

	_, err := s.coordinator(PolicyClear).Merge(s.ctx, "u1", guest, s.store)

	remoteErr, ok := domain.AsRemote(err)
	s.Require().True(ok)
	s.Equal(http.StatusServiceUnavailable, remoteErr.Status)
	s.Equal(guest, s.store.Load(s.ctx))
	s.Zero(s.remote.Calls(memremote.OpAdd))
}

func (s *CoordinatorSuite) TestCancelledCallerStillCompletes() {
	guest := s.guest(redA(2))
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	result, err := s.coordinator(PolicyClear).Merge(ctx, "u1", guest, s.store)
	s.Require().NoError(err)
	s.Equal(1, result.Merged)
	s.Len(s.remote.Items("u1"), 1)
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"": PolicyClear, "clear": PolicyClear, "retain-failed": PolicyRetainFailed}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("keep"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
