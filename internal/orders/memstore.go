package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"
)

// MemoryStore is an in-process Store. Each order and each variant has its own
// lock; a transaction works on private copies of the rows it locked and
// publishes them in one step on commit.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[int64]Product
	variants  map[int64]Variant
	orders    map[int64]Order
	lineOwner map[int64]int64 // line id -> order id

	productSeq atomic.Int64
	variantSeq atomic.Int64
	orderSeq   atomic.Int64
	lineSeq    atomic.Int64

	locksMu      sync.Mutex
	orderLocks   map[int64]*semaphore.Weighted
	variantLocks map[int64]*semaphore.Weighted

	now func() time.Time
}

// compile-time assertion that MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:     make(map[int64]Product),
		variants:     make(map[int64]Variant),
		orders:       make(map[int64]Order),
		lineOwner:    make(map[int64]int64),
		orderLocks:   make(map[int64]*semaphore.Weighted),
		variantLocks: make(map[int64]*semaphore.Weighted),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateOrder(ctx context.Context, userID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if userID == "" {
		return Order{}, fmt.Errorf("user id is empty")
	}

	now := s.now()
	o := Order{
		ID:        s.orderSeq.Add(1),
		Number:    uuid.New(),
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()

	return cloneOrder(o), nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := lo.FilterMap(lo.Values(s.orders), func(o Order, _ int) (Order, bool) {
		if !filter.Match(o) {
			return Order{}, false
		}
		return cloneOrder(o), true
	})
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetVariant(ctx context.Context, variantID int64) (Variant, error) {
	if err := ctx.Err(); err != nil {
		return Variant{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[variantID]
	if !ok {
		return Variant{}, ErrVariantNotFound
	}
	return v, nil
}

func (s *MemoryStore) SaveProduct(ctx context.Context, p Product) (Product, error) {
	if err := ctx.Err(); err != nil {
		return Product{}, err
	}
	if err := p.Validate(); err != nil {
		return Product{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.productSeq.Add(1)
		p.CreatedAt = s.now()
	} else if prev, ok := s.products[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		return Product{}, fmt.Errorf("product %d: %w", p.ID, ErrProductNotFound)
	}

	s.products[p.ID] = p
	return p, nil
}

func (s *MemoryStore) SaveVariant(ctx context.Context, v Variant) (Variant, error) {
	if err := ctx.Err(); err != nil {
		return Variant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[v.ProductID]; !ok {
		return Variant{}, fmt.Errorf("product %d: %w", v.ProductID, ErrProductNotFound)
	}
	for _, other := range s.variants {
		if other.ID != v.ID && other.ProductID == v.ProductID && other.Size == v.Size && other.Color == v.Color {
			return Variant{}, fmt.Errorf("variant %d/%s/%s already exists", v.ProductID, v.Size, v.Color)
		}
	}

	if v.ID == 0 {
		if err := checkCounters(v); err != nil {
			return Variant{}, err
		}
		v.ID = s.variantSeq.Add(1)
		v.CreatedAt = s.now()
		s.variants[v.ID] = v
		return v, nil
	}

	cur, ok := s.variants[v.ID]
	if !ok {
		return Variant{}, fmt.Errorf("variant %d: %w", v.ID, ErrVariantNotFound)
	}
	cur.Size, cur.Color = v.Size, v.Color
	s.variants[v.ID] = cur
	return cur, nil
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		store:    s,
		orders:   make(map[int64]*Order),
		variants: make(map[int64]*Variant),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A caller that gave up before commit must not observe any effect.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, v := range tx.variants {
		cur := s.variants[id]
		cur.AvailableStock = v.AvailableStock
		cur.ReservedQuantity = v.ReservedQuantity
		cur.SoldQuantity = v.SoldQuantity
		s.variants[id] = cur
	}

	for id, o := range tx.orders {
		for _, l := range s.orders[id].Lines {
			delete(s.lineOwner, l.ID)
		}
		for _, l := range o.Lines {
			s.lineOwner[l.ID] = id
		}
		s.orders[id] = cloneOrder(*o)
	}
}

func (s *MemoryStore) lockFor(locks map[int64]*semaphore.Weighted, id int64) *semaphore.Weighted {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := locks[id]
	if !ok {
		l = semaphore.NewWeighted(1)
		locks[id] = l
	}
	return l
}

type memTx struct {
	store    *MemoryStore
	held     []*semaphore.Weighted
	orders   map[int64]*Order
	variants map[int64]*Variant
}

func (tx *memTx) acquire(ctx context.Context, l *semaphore.Weighted) error {
	if err := l.Acquire(ctx, 1); err != nil {
		return err
	}
	tx.held = append(tx.held, l)
	return nil
}

func (tx *memTx) release() {
	for _, l := range tx.held {
		l.Release(1)
	}
	tx.held = nil
}

func (tx *memTx) OrderForUpdate(ctx context.Context, orderID int64) (Order, error) {
	if o, ok := tx.orders[orderID]; ok {
		return cloneOrder(*o), nil
	}

	s := tx.store
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return Order{}, err
	}
	if err := tx.acquire(ctx, s.lockFor(s.orderLocks, orderID)); err != nil {
		return Order{}, fmt.Errorf("lock order %d: %w", orderID, err)
	}

	// re-read: the committed row is stable only once the lock is held
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	tx.orders[orderID] = &o
	return cloneOrder(o), nil
}

func (tx *memTx) VariantsForUpdate(ctx context.Context, variantIDs ...int64) (map[int64]Variant, error) {
	ids := lo.Uniq(variantIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s := tx.store
	out := make(map[int64]Variant, len(ids))
	for _, id := range ids {
		if v, ok := tx.variants[id]; ok {
			out[id] = *v
			continue
		}
		if _, err := s.GetVariant(ctx, id); err != nil {
			return nil, fmt.Errorf("variant %d: %w", id, err)
		}
		if err := tx.acquire(ctx, s.lockFor(s.variantLocks, id)); err != nil {
			return nil, fmt.Errorf("lock variant %d: %w", id, err)
		}
		v, err := s.GetVariant(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("variant %d: %w", id, err)
		}
		tx.variants[id] = &v
		out[id] = v
	}
	return out, nil
}

func (tx *memTx) LineOrderID(ctx context.Context, lineID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for id, o := range tx.orders {
		if _, ok := o.Line(lineID); ok {
			return id, nil
		}
	}

	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.lineOwner[lineID]
	if !ok {
		return 0, ErrLineNotFound
	}
	return orderID, nil
}

func (tx *memTx) Products(ctx context.Context, productIDs ...int64) (map[int64]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]Product, len(productIDs))
	for _, id := range productIDs {
		p, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
		}
		out[id] = p
	}
	return out, nil
}

func (tx *memTx) UpdateVariant(_ context.Context, v Variant) error {
	staged, ok := tx.variants[v.ID]
	if !ok {
		return fmt.Errorf("variant %d is not locked by this transaction", v.ID)
	}
	if err := checkCounters(v); err != nil {
		return err
	}
	staged.AvailableStock = v.AvailableStock
	staged.ReservedQuantity = v.ReservedQuantity
	staged.SoldQuantity = v.SoldQuantity
	return nil
}

func (tx *memTx) InsertLine(_ context.Context, line OrderLine) (OrderLine, error) {
	o, ok := tx.orders[line.OrderID]
	if !ok {
		return OrderLine{}, fmt.Errorf("order %d is not locked by this transaction", line.OrderID)
	}
	if line.Quantity <= 0 {
		return OrderLine{}, ErrInvalidQuantity
	}

	line.ID = tx.store.lineSeq.Add(1)
	if line.CreatedAt.IsZero() {
		line.CreatedAt = tx.store.now()
	}
	o.Lines = append(o.Lines, line)
	return line, nil
}

func (tx *memTx) DeleteLine(_ context.Context, orderID, lineID int64) error {
	o, ok := tx.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d is not locked by this transaction", orderID)
	}
	for i, l := range o.Lines {
		if l.ID == lineID {
			o.Lines = append(o.Lines[:i:i], o.Lines[i+1:]...)
			return nil
		}
	}
	return ErrLineNotFound
}

func (tx *memTx) UpdateOrder(_ context.Context, o Order) error {
	staged, ok := tx.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %d is not locked by this transaction", o.ID)
	}
	staged.Status = o.Status
	staged.Totals = o.Totals
	staged.UpdatedAt = tx.store.now()
	return nil
}

// checkCounters mirrors the CHECK constraints of the product_variants table.
func checkCounters(v Variant) error {
	if v.AvailableStock < 0 || v.ReservedQuantity < 0 || v.SoldQuantity < 0 || v.ReservedQuantity > v.AvailableStock {
		return fmt.Errorf("variant %d: counters out of range (available=%d reserved=%d sold=%d)",
			v.ID, v.AvailableStock, v.ReservedQuantity, v.SoldQuantity)
	}
	return nil
}

func cloneOrder(o Order) Order {
	if o.Lines != nil {
		o.Lines = append([]OrderLine(nil), o.Lines...)
	}
	return o
}
