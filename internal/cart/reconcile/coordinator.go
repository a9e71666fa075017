// Package reconcile merges a guest cart into a user's server cart at login.
package reconcile

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/pkg/logger"
)

// Policy decides what happens to the guest cart after a merge
type Policy string

const (
	// PolicyClear empties the guest cart after the merge, even a partial one
	PolicyClear Policy = "clear"
	// PolicyRetainFailed keeps only the lines that failed to merge
	PolicyRetainFailed Policy = "retain-failed"
)

// ParsePolicy validates a configured policy name. Empty means PolicyClear.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyClear:
		return PolicyClear, nil
	case PolicyRetainFailed:
		return PolicyRetainFailed, nil
	default:
		return "", fmt.Errorf("unknown reconcile policy %q", s)
	}
}

// Merge actions reported to the observer
const (
	ActionIncrease = "increase"
	ActionAdd      = "add"
)

// ItemObserver is told about every guest line the coordinator tried to merge
type ItemObserver interface {
	ReconcileItem(action string, err error)
}

// Result summarizes a merge
type Result struct {
	Snapshot domain.Snapshot
	Merged   int
	Failed   []domain.MergeFailure
	Cleared  bool
}

// Coordinator merges guest lines one at a time
type Coordinator struct {
	remote   domain.RemoteCart
	limiter  *rate.Limiter
	policy   Policy
	observer ItemObserver
}

// NewCoordinator creates a coordinator. A nil limiter merges without pacing.
func NewCoordinator(remote domain.RemoteCart, limiter *rate.Limiter, policy Policy, observer ItemObserver) *Coordinator {
	if policy == "" {
		policy = PolicyClear
	}
	return &Coordinator{
		remote:   remote,
		limiter:  limiter,
		policy:   policy,
		observer: observer,
	}
}

// Merge folds guest into the user's remote cart. Lines matching an existing
// product and variant raise its quantity, others are added. A failed line does
// not stop the merge and is reported in a *domain.PartialMergeFailure next to
// the result. Once the remote cart was fetched the merge runs to completion
// even if ctx is cancelled, and the store is only touched afterwards.
func (c *Coordinator) Merge(ctx context.Context, userID string, guest []domain.LineItem, store domain.GuestStore) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	snapshot, err := c.remote.FetchCart(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch user cart: %w", err)
	}

	result := Result{Snapshot: snapshot}
	for _, item := range guest {
		action, next, err := c.mergeOne(ctx, userID, result.Snapshot, item)
		if c.observer != nil {
			c.observer.ReconcileItem(action, err)
		}
		if err != nil {
			logger.Warn(ctx).
				Err(err).
				Str("user_id", userID).
				Str("product_id", item.ProductID).
				Str("action", action).
				Msg("Failed to merge guest cart line")
			result.Failed = append(result.Failed, domain.MergeFailure{Item: item, Err: err})
			continue
		}
		result.Snapshot = next
		result.Merged++
	}

	if len(result.Failed) > 0 {
		// a failed call may still have reached the server
		if fresh, err := c.remote.FetchCart(ctx, userID); err == nil {
			result.Snapshot = fresh
		}
	}

	result.Cleared = c.settle(ctx, store, result.Failed)

	logger.Info(ctx).
		Str("user_id", userID).
		Int("merged", result.Merged).
		Int("failed", len(result.Failed)).
		Bool("guest_cleared", result.Cleared).
		Msg("Guest cart reconciled")

	if len(result.Failed) > 0 {
		return result, &domain.PartialMergeFailure{Failures: result.Failed}
	}
	return result, nil
}

func (c *Coordinator) mergeOne(ctx context.Context, userID string, current domain.Snapshot, item domain.LineItem) (string, domain.Snapshot, error) {
	action := ActionAdd
	var existing *domain.LineItem
	for i := range current.Items {
		if current.Items[i].SameProduct(item) {
			existing = &current.Items[i]
			action = ActionIncrease
			break
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return action, domain.Snapshot{}, fmt.Errorf("failed to wait for merge slot: %w", err)
		}
	}

	if existing != nil {
		next, err := c.remote.SetQuantity(ctx, userID, existing.RemoteID, existing.Quantity+item.Quantity)
		return action, next, err
	}
	next, err := c.remote.AddItem(ctx, userID, item)
	return action, next, err
}

func (c *Coordinator) settle(ctx context.Context, store domain.GuestStore, failed []domain.MergeFailure) bool {
	if store == nil {
		return false
	}

	if c.policy == PolicyRetainFailed && len(failed) > 0 {
		keep := make([]domain.LineItem, 0, len(failed))
		for _, f := range failed {
			keep = append(keep, f.Item)
		}
		if err := store.Save(ctx, keep); err != nil {
			logger.Error(ctx).Err(err).Msg("Failed to keep unmerged guest lines")
		}
		return false
	}

	if err := store.Clear(ctx); err != nil {
		logger.Error(ctx).Err(err).Msg("Failed to clear guest cart after merge")
		return false
	}
	return true
}
