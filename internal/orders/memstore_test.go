package orders_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCatalog(t *testing.T, store orders.Store, stock int) (orders.Product, orders.Variant) {
	t.Helper()
	ctx := t.Context()

	p, err := store.SaveProduct(ctx, orders.Product{
		Name:            gofakeit.ProductName(),
		BasePrice:       int64(gofakeit.IntRange(100, 100_000)),
		DiscountPercent: gofakeit.IntRange(0, 50),
	})
	require.NoError(t, err)

	v, err := store.SaveVariant(ctx, orders.Variant{
		ProductID:      p.ID,
		Size:           gofakeit.RandomString([]string{"S", "M", "L"}),
		Color:          gofakeit.Color(),
		AvailableStock: stock,
	})
	require.NoError(t, err)
	return p, v
}

func TestMemoryStore_CreateAndGetOrder(t *testing.T) {
	store := orders.NewMemoryStore()
	ctx := t.Context()

	o, err := store.CreateOrder(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, o.Number)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.Totals{}, o.Totals)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o, got)

	_, err = store.GetOrder(ctx, o.ID+1)
	require.ErrorIs(t, err, orders.ErrOrderNotFound)

	_, err = store.CreateOrder(ctx, "")
	require.Error(t, err)
}

func TestMemoryStore_SaveCatalog(t *testing.T) {
	store := orders.NewMemoryStore()
	ctx := t.Context()

	_, err := store.SaveProduct(ctx, orders.Product{Name: "bad", BasePrice: 100, DiscountPercent: 101})
	require.ErrorIs(t, err, orders.ErrInvalidProduct)

	p, v := seedCatalog(t, store, 5)

	_, err = store.SaveVariant(ctx, orders.Variant{ProductID: p.ID, Size: v.Size, Color: v.Color, AvailableStock: 1})
	require.Error(t, err, "size/color is unique per product")

	_, err = store.SaveVariant(ctx, orders.Variant{ProductID: p.ID + 100, Size: "M", Color: "red"})
	require.ErrorIs(t, err, orders.ErrProductNotFound)

	_, err = store.SaveVariant(ctx, orders.Variant{ProductID: p.ID, Size: "XL", Color: "x", AvailableStock: 1, ReservedQuantity: 2})
	require.Error(t, err, "reserved above available")

	// counters of an existing variant are not editable through SaveVariant
	updated, err := store.SaveVariant(ctx, orders.Variant{ID: v.ID, ProductID: p.ID, Size: "XXL", Color: v.Color, AvailableStock: 999})
	require.NoError(t, err)
	assert.Equal(t, "XXL", updated.Size)
	assert.Equal(t, 5, updated.AvailableStock)
}

func TestMemoryStore_WithinTxRollsBackOnError(t *testing.T) {
	store := orders.NewMemoryStore()
	ctx := t.Context()
	p, v := seedCatalog(t, store, 5)

	o, err := store.CreateOrder(ctx, "user-1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		locked, err := tx.OrderForUpdate(ctx, o.ID)
		require.NoError(t, err)
		vs, err := tx.VariantsForUpdate(ctx, v.ID)
		require.NoError(t, err)

		cur := vs[v.ID]
		cur.ReservedQuantity = 3
		require.NoError(t, tx.UpdateVariant(ctx, cur))

		_, err = tx.InsertLine(ctx, orders.OrderLine{OrderID: o.ID, VariantID: v.ID, ProductID: p.ID, UnitPriceAtReservation: p.BasePrice, Quantity: 3})
		require.NoError(t, err)

		locked.Status = orders.StatusProcessing
		require.NoError(t, tx.UpdateOrder(ctx, locked))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	gotOrder, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, gotOrder.Status)
	assert.Empty(t, gotOrder.Lines)
}

func TestMemoryStore_WithinTxCommits(t *testing.T) {
	store := orders.NewMemoryStore()
	ctx := t.Context()
	p, v := seedCatalog(t, store, 5)

	o, err := store.CreateOrder(ctx, "user-1")
	require.NoError(t, err)

	var line orders.OrderLine
	err = store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		locked, err := tx.OrderForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		if line, err = tx.InsertLine(ctx, orders.OrderLine{OrderID: o.ID, VariantID: v.ID, ProductID: p.ID, UnitPriceAtReservation: 10, Quantity: 2}); err != nil {
			return err
		}
		locked.Totals = orders.Totals{Original: 20, Total: 20}
		return tx.UpdateOrder(ctx, locked)
	})
	require.NoError(t, err)

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, line, got.Lines[0])
	assert.Equal(t, int64(20), got.Totals.Total)

	// line ownership is visible to the next transaction
	err = store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		owner, err := tx.LineOrderID(ctx, line.ID)
		require.NoError(t, err)
		assert.Equal(t, o.ID, owner)

		_, err = tx.OrderForUpdate(ctx, o.ID)
		require.NoError(t, err)
		require.NoError(t, tx.DeleteLine(ctx, o.ID, line.ID))
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.LineOrderID(ctx, line.ID)
		return err
	})
	require.ErrorIs(t, err, orders.ErrLineNotFound)
}

func TestMemoryStore_WritesRequireLocks(t *testing.T) {
	store := orders.NewMemoryStore()
	ctx := t.Context()
	_, v := seedCatalog(t, store, 5)

	err := store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.UpdateVariant(ctx, v)
	})
	require.Error(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		vs, err := tx.VariantsForUpdate(ctx, v.ID)
		require.NoError(t, err)
		bad := vs[v.ID]
		bad.ReservedQuantity = bad.AvailableStock + 1
		return tx.UpdateVariant(ctx, bad)
	})
	require.Error(t, err, "counter checks mirror the table constraints")
}

func TestMemoryStore_CancelledContextBeforeCommit(t *testing.T) {
	store := orders.NewMemoryStore()
	_, v := seedCatalog(t, store, 5)

	ctx, cancel := context.WithCancel(t.Context())
	err := store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		vs, err := tx.VariantsForUpdate(ctx, v.ID)
		require.NoError(t, err)
		cur := vs[v.ID]
		cur.ReservedQuantity = 1
		require.NoError(t, tx.UpdateVariant(ctx, cur))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	got, err := store.GetVariant(t.Context(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReservedQuantity)
}

func TestMemoryStore_LockWaitHonoursContext(t *testing.T) {
	store := orders.NewMemoryStore()
	_, v := seedCatalog(t, store, 5)

	held := make(chan struct{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.WithinTx(t.Context(), func(ctx context.Context, tx orders.Tx) error {
			_, err := tx.VariantsForUpdate(ctx, v.ID)
			close(held)
			<-done
			return err
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.VariantsForUpdate(ctx, v.ID)
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(done)
	wg.Wait()
}

func TestMemoryStore_ListOrders(t *testing.T) {
	store := orders.NewMemoryStore()
	ctx := t.Context()

	a1, err := store.CreateOrder(ctx, "alice")
	require.NoError(t, err)
	a2, err := store.CreateOrder(ctx, "alice")
	require.NoError(t, err)
	_, err = store.CreateOrder(ctx, "bob")
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.OrderForUpdate(ctx, a1.ID)
		if err != nil {
			return err
		}
		o.Status = orders.StatusCancelled
		return tx.UpdateOrder(ctx, o)
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter orders.OrderFilter
		want   []int64
	}{
		{name: "by user, newest first", filter: orders.OrderFilter{UserID: "alice"}, want: []int64{a2.ID, a1.ID}},
		{name: "by user and status", filter: orders.OrderFilter{UserID: "alice", Statuses: []orders.Status{orders.StatusPending}}, want: []int64{a2.ID}},
		{name: "unknown user", filter: orders.OrderFilter{UserID: "carol"}, want: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListOrders(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]int64, 0, len(got))
			for _, o := range got {
				ids = append(ids, o.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}
