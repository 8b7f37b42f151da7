package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/backstage/services/orders/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryStore is an in-process implementation of OrderStore, OutboxStore
// and UnitOfWork. Transactions are serialized and roll back by restoring a
// snapshot taken when they began.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	orders map[string]models.Order
	keys   map[string]string
	events []models.OutboxEvent
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		orders: make(map[string]models.Order, len(s.orders)),
		keys:   make(map[string]string, len(s.keys)),
		events: make([]models.OutboxEvent, len(s.events)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	copy(c.events, s.events)
	return c
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			orders: make(map[string]models.Order),
			keys:   make(map[string]string),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Orders returns the order view of the store
func (s *MemoryStore) Orders() OrderStore {
	return &memoryOrders{store: s}
}

// Outbox returns the outbox view of the store
func (s *MemoryStore) Outbox() OutboxStore {
	return &memoryOutbox{store: s}
}

// WithinTransaction holds the store lock for the duration of fn
func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(orders OrderStore, outbox OutboxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := s.state.clone()
	err := fn(&memoryOrders{store: s, locked: true}, &memoryOutbox{store: s, locked: true})
	if err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// Events returns every outbox event in insertion order
func (s *MemoryStore) Events() []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboxEvent, len(s.state.events))
	copy(out, s.state.events)
	return out
}

func (s *MemoryStore) acquire(locked bool) func() {
	if locked {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memoryOrders struct {
	store  *MemoryStore
	locked bool
}

func (o *memoryOrders) Create(ctx context.Context, order *models.Order) error {
	defer o.store.acquire(o.locked)()
	st := &o.store.state

	if _, ok := st.orders[order.OrderID]; ok {
		return errors.Wrapf(ErrDuplicateKey, "order %s", order.OrderID)
	}
	if _, ok := st.keys[order.IdempotencyKey]; ok {
		return errors.Wrap(ErrDuplicateKey, "idempotency key")
	}

	now := o.store.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	st.orders[order.OrderID] = *order
	st.keys[order.IdempotencyKey] = order.OrderID
	return nil
}

func (o *memoryOrders) GetByID(ctx context.Context, orderID string) (*models.Order, error) {
	defer o.store.acquire(o.locked)()

	order, ok := o.store.state.orders[orderID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "order %s", orderID)
	}
	return &order, nil
}

func (o *memoryOrders) GetByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	defer o.store.acquire(o.locked)()

	id, ok := o.store.state.keys[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "order by idempotency key")
	}
	order := o.store.state.orders[id]
	return &order, nil
}

func (o *memoryOrders) Update(ctx context.Context, order *models.Order) error {
	defer o.store.acquire(o.locked)()

	current, ok := o.store.state.orders[order.OrderID]
	if !ok || current.Version != order.Version {
		return errors.Wrapf(ErrOptimisticConflict, "order %s at version %d", order.OrderID, order.Version)
	}

	order.Version++
	order.UpdatedAt = o.store.now()
	order.CreatedAt = current.CreatedAt
	order.IdempotencyKey = current.IdempotencyKey
	o.store.state.orders[order.OrderID] = *order
	return nil
}

func (o *memoryOrders) List(ctx context.Context, page, size int) ([]models.Order, int64, error) {
	return o.filter(page, size, func(models.Order) bool { return true })
}

func (o *memoryOrders) FindByItemName(ctx context.Context, itemName string, page, size int) ([]models.Order, int64, error) {
	return o.filter(page, size, func(order models.Order) bool { return order.ItemName == itemName })
}

func (o *memoryOrders) filter(page, size int, match func(models.Order) bool) ([]models.Order, int64, error) {
	defer o.store.acquire(o.locked)()

	var all []models.Order
	for _, order := range o.store.state.orders {
		if match(order) {
			all = append(all, order)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].OrderID < all[j].OrderID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := int64(len(all))
	start := offset(page, size)
	if start >= len(all) {
		return []models.Order{}, total, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type memoryOutbox struct {
	store  *MemoryStore
	locked bool
}

func (b *memoryOutbox) Create(ctx context.Context, event *models.OutboxEvent) error {
	defer b.store.acquire(b.locked)()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	for _, existing := range b.store.state.events {
		if existing.ID == event.ID {
			return errors.Wrapf(ErrDuplicateKey, "outbox event %s", event.ID)
		}
	}
	event.Processed = false
	event.ProcessedAt = nil
	event.CreatedAt = b.store.now()
	b.store.state.events = append(b.store.state.events, *event)
	return nil
}

func (b *memoryOutbox) GetUnprocessed(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	defer b.store.acquire(b.locked)()

	var out []models.OutboxEvent
	for _, event := range b.store.state.events {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !event.Processed {
			out = append(out, event)
		}
	}
	return out, nil
}

func (b *memoryOutbox) MarkAsProcessed(ctx context.Context, id uuid.UUID) error {
	defer b.store.acquire(b.locked)()

	for i := range b.store.state.events {
		event := &b.store.state.events[i]
		if event.ID != id {
			continue
		}
		if !event.Processed {
			now := b.store.now()
			event.Processed = true
			event.ProcessedAt = &now
		}
		return nil
	}
	return errors.Wrapf(ErrNotFound, "outbox event %s", id)
}

var _ UnitOfWork = (*MemoryStore)(nil)
