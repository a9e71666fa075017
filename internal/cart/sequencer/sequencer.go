// Package sequencer orders remote cart mutations per line item and keeps the
// aggregate showing optimistic intents on top of the last confirmed server cart.
package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/pkg/logger"
)

// SendFunc performs the remote call of a mutation and returns the server cart afterwards
type SendFunc func(ctx context.Context) (domain.Snapshot, error)

// Mutation is one queued change to a single line.
// Intent is the line as the user expects it after the change; Remove hides the line instead.
type Mutation struct {
	Op     string
	Key    domain.Key
	Intent domain.LineItem
	Remove bool
	Send   SendFunc
}

// RollbackObserver is told when a failed mutation reverts its line
type RollbackObserver interface {
	Rollback(op string)
}

type lane struct {
	order  uint64
	queued int
	intent Mutation
	tail   chan struct{}
}

// Pending is the handle of a submitted mutation
type Pending struct {
	done chan struct{}
	err  error
}

// Wait blocks until the mutation finished or ctx is done. Returning early
// because of ctx does not cancel the remote call.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the mutation finished
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Option configures a Sequencer
type Option func(*Sequencer)

// WithResync sets the fetch used to settle the confirmed cart after mutations
// on different lines overlapped, since their responses may arrive out of order.
func WithResync(fetch SendFunc) Option {
	return func(s *Sequencer) {
		s.resync = fetch
	}
}

// Sequencer runs at most one remote mutation per line at a time, in submission order
type Sequencer struct {
	mu        sync.Mutex
	cart      *domain.Aggregate
	confirmed []domain.LineItem
	lanes     map[domain.Key]*lane
	nextLane  uint64
	completed uint64
	stale     bool
	resync    SendFunc
	observer  RollbackObserver
	wg        sync.WaitGroup
}

// New creates a sequencer over cart, starting from the confirmed server lines
func New(cart *domain.Aggregate, confirmed []domain.LineItem, observer RollbackObserver, opts ...Option) *Sequencer {
	s := &Sequencer{
		cart:      cart,
		confirmed: append([]domain.LineItem(nil), confirmed...),
		lanes:     make(map[domain.Key]*lane),
		observer:  observer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit applies the mutation's intent to the cart immediately and queues its
// remote call behind earlier mutations of the same key.
func (s *Sequencer) Submit(ctx context.Context, m Mutation) *Pending {
	s.mu.Lock()
	l, ok := s.lanes[m.Key]
	if !ok {
		s.nextLane++
		l = &lane{order: s.nextLane}
		s.lanes[m.Key] = l
	}
	l.queued++
	l.intent = m
	prev := l.tail
	done := make(chan struct{})
	l.tail = done
	s.projectLocked()
	s.mu.Unlock()

	p := &Pending{done: make(chan struct{})}
	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx), m, prev, done, p)
	return p
}

// Confirm replaces the confirmed server lines, e.g. after a refetch.
// Mutations in flight meanwhile answer with older carts, so they resync once idle.
func (s *Sequencer) Confirm(snapshot domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.confirmed = append([]domain.LineItem(nil), snapshot.Items...)
	s.projectLocked()
}

// Confirmed returns the last server-confirmed lines
func (s *Sequencer) Confirmed() []domain.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LineItem(nil), s.confirmed...)
}

// InFlight reports how many lines have queued or running mutations
func (s *Sequencer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Drain waits until every submitted mutation finished
func (s *Sequencer) Drain() {
	s.wg.Wait()
}

func (s *Sequencer) run(ctx context.Context, m Mutation, prev <-chan struct{}, done chan struct{}, p *Pending) {
	defer s.wg.Done()
	if prev != nil {
		<-prev
	}

	s.mu.Lock()
	started := s.completed
	s.mu.Unlock()

	snapshot, err := m.Send(ctx)

	s.mu.Lock()
	l := s.lanes[m.Key]
	l.queued--
	if s.completed != started {
		s.stale = true
	}
	s.completed++
	if err == nil {
		s.confirmed = append([]domain.LineItem(nil), snapshot.Items...)
	}
	rolledBack := err != nil && l.queued == 0
	if l.queued == 0 {
		delete(s.lanes, m.Key)
	}
	resync := s.stale && s.resync != nil && len(s.lanes) == 0
	if resync {
		s.stale = false
	}
	s.projectLocked()
	s.mu.Unlock()

	if resync {
		s.settle(ctx)
	}

	if err != nil {
		logger.Warn(ctx).
			Err(err).
			Str("op", m.Op).
			Str("key", m.Key.String()).
			Bool("rolled_back", rolledBack).
			Msg("Cart mutation failed")
		if rolledBack && s.observer != nil {
			s.observer.Rollback(m.Op)
		}
	}

	close(done)
	p.err = err
	close(p.done)
}

func (s *Sequencer) settle(ctx context.Context) {
	s.mu.Lock()
	started := s.completed
	s.mu.Unlock()

	snapshot, err := s.resync(ctx)
	if err != nil {
		logger.Warn(ctx).Err(err).Msg("Failed to resync cart after overlapping mutations")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lanes) > 0 || s.completed != started {
		// newer mutations ran meanwhile and their snapshots win
		return
	}
	s.confirmed = append([]domain.LineItem(nil), snapshot.Items...)
	s.projectLocked()
}

// projectLocked rebuilds the cart as confirmed lines overlaid with the latest
// intent of every key that still has work queued.
func (s *Sequencer) projectLocked() {
	owner := s.cart.Owner()
	view := append([]domain.LineItem(nil), s.confirmed...)

	lanes := make([]*lane, 0, len(s.lanes))
	keys := make(map[*lane]domain.Key, len(s.lanes))
	for key, l := range s.lanes {
		lanes = append(lanes, l)
		keys[l] = key
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].order < lanes[j].order })

	for _, l := range lanes {
		idx := indexOf(owner, view, keys[l], l.intent.Intent)
		switch {
		case l.intent.Remove && idx >= 0:
			view = append(view[:idx:idx], view[idx+1:]...)
		case l.intent.Remove:
		case idx >= 0:
			next := l.intent.Intent
			if next.RemoteID == "" {
				next.RemoteID = view[idx].RemoteID
			}
			view[idx] = next
		default:
			view = append(view, l.intent.Intent)
		}
	}

	view = dedupe(owner, view)
	if sameItems(view, s.cart.Items()) {
		return
	}
	if err := s.cart.Replace(view); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to project cart state")
	}
}

// indexOf finds the line a lane applies to. A user-cart line queued before the
// server assigned its id is matched to the confirmed line of the same product.
func indexOf(owner domain.Ownership, view []domain.LineItem, key domain.Key, intent domain.LineItem) int {
	for i, it := range view {
		if owner.KeyOf(it) == key {
			return i
		}
	}
	if owner.IsGuest() || key.IsRemote() {
		return -1
	}
	for i, it := range view {
		if it.SameProduct(intent) {
			return i
		}
	}
	return -1
}

// dedupe keeps the first line per identity so Replace never rejects a projection
func dedupe(owner domain.Ownership, items []domain.LineItem) []domain.LineItem {
	seen := make(map[domain.Key]struct{}, len(items))
	out := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		key := owner.KeyOf(it)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

func sameItems(a, b []domain.LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
