package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/go-storefront-settlement/internal/ledger"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRules(t *testing.T) {
	base := orders.Variant{ID: 7, AvailableStock: 10, ReservedQuantity: 4, SoldQuantity: 2}

	tests := []struct {
		name      string
		fn        func(orders.Variant, int) (orders.Variant, error)
		qty       int
		want      orders.Variant
		wantError error
	}{
		{
			name: "reserve within sellable",
			fn:   ledger.Reserve,
			qty:  6,
			want: orders.Variant{ID: 7, AvailableStock: 10, ReservedQuantity: 10, SoldQuantity: 2},
		},
		{
			name:      "reserve beyond sellable",
			fn:        ledger.Reserve,
			qty:       7,
			wantError: &orders.InsufficientStockError{},
		},
		{
			name: "confirm reserved units",
			fn:   ledger.ConfirmSale,
			qty:  3,
			want: orders.Variant{ID: 7, AvailableStock: 7, ReservedQuantity: 1, SoldQuantity: 5},
		},
		{
			name:      "confirm more than reserved",
			fn:        ledger.ConfirmSale,
			qty:       5,
			wantError: &orders.OverConfirmationError{},
		},
		{
			name: "cancel reserved units",
			fn:   ledger.CancelReservation,
			qty:  4,
			want: orders.Variant{ID: 7, AvailableStock: 10, ReservedQuantity: 0, SoldQuantity: 2},
		},
		{
			name:      "cancel more than reserved",
			fn:        ledger.CancelReservation,
			qty:       5,
			wantError: &orders.OverCancellationError{},
		},
		{
			name: "restock",
			fn:   ledger.Restock,
			qty:  5,
			want: orders.Variant{ID: 7, AvailableStock: 15, ReservedQuantity: 4, SoldQuantity: 2},
		},
		{
			name:      "zero quantity",
			fn:        ledger.Reserve,
			qty:       0,
			wantError: orders.ErrInvalidQuantity,
		},
		{
			name:      "negative quantity",
			fn:        ledger.CancelReservation,
			qty:       -1,
			wantError: orders.ErrInvalidQuantity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(base, tt.qty)
			if tt.wantError != nil {
				require.ErrorIs(t, err, tt.wantError)
				assert.Equal(t, base, got, "failed rule must not change counters")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsAvailable(t *testing.T) {
	v := orders.Variant{AvailableStock: 5, ReservedQuantity: 3}
	assert.True(t, ledger.IsAvailable(v, 2))
	assert.False(t, ledger.IsAvailable(v, 3))
}

func TestRoundTrip_ReserveThenCancel(t *testing.T) {
	v := orders.Variant{ID: 1, AvailableStock: gofakeit.IntRange(1, 100)}
	qty := gofakeit.IntRange(1, v.AvailableStock)

	reserved, err := ledger.Reserve(v, qty)
	require.NoError(t, err)
	back, err := ledger.CancelReservation(reserved, qty)
	require.NoError(t, err)

	assert.Equal(t, v, back)
}

func seedVariants(t *testing.T, store *orders.MemoryStore, stocks ...int) []orders.Variant {
	t.Helper()
	ctx := t.Context()

	p, err := store.SaveProduct(ctx, orders.Product{Name: gofakeit.ProductName(), BasePrice: 1000})
	require.NoError(t, err)

	out := make([]orders.Variant, 0, len(stocks))
	for i, stock := range stocks {
		v, err := store.SaveVariant(ctx, orders.Variant{
			ProductID:      p.ID,
			Size:           []string{"S", "M", "L", "XL", "XXL"}[i%5],
			Color:          gofakeit.Color() + "-" + gofakeit.UUID(),
			AvailableStock: stock,
		})
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestPost_BatchIsAllOrNothing(t *testing.T) {
	store := orders.NewMemoryStore()
	l := ledger.New(store, nil)
	vs := seedVariants(t, store, 5, 1)

	err := store.WithinTx(t.Context(), func(ctx context.Context, tx orders.Tx) error {
		_, err := l.Post(ctx, tx, ledger.OpReserve,
			ledger.Entry{VariantID: vs[0].ID, Qty: 2},
			ledger.Entry{VariantID: vs[1].ID, Qty: 2},
		)
		return err
	})
	require.True(t, orders.IsInsufficientStock(err))

	for _, v := range vs {
		got, err := store.GetVariant(t.Context(), v.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.ReservedQuantity)
	}
}

func TestPost_RepeatedVariantAppliesInSequence(t *testing.T) {
	store := orders.NewMemoryStore()
	l := ledger.New(store, nil)
	vs := seedVariants(t, store, 3)

	err := store.WithinTx(t.Context(), func(ctx context.Context, tx orders.Tx) error {
		_, err := l.Post(ctx, tx, ledger.OpReserve,
			ledger.Entry{VariantID: vs[0].ID, Qty: 2},
			ledger.Entry{VariantID: vs[0].ID, Qty: 2},
		)
		return err
	})
	require.True(t, orders.IsInsufficientStock(err))

	got, err := store.GetVariant(t.Context(), vs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReservedQuantity)
}

func TestPost_UnknownVariant(t *testing.T) {
	store := orders.NewMemoryStore()
	l := ledger.New(store, nil)

	_, err := l.Reserve(t.Context(), 404, 1)
	require.ErrorIs(t, err, orders.ErrVariantNotFound)
}

func TestLedger_StandaloneOperations(t *testing.T) {
	store := orders.NewMemoryStore()
	l := ledger.New(store, nil)
	v := seedVariants(t, store, 10)[0]
	ctx := t.Context()

	_, err := l.Reserve(ctx, v.ID, 4)
	require.NoError(t, err)

	sellable, err := l.SellableStock(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, sellable)

	got, err := l.ConfirmSale(ctx, v.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, orders.Variant{
		ID: v.ID, ProductID: v.ProductID, Size: v.Size, Color: v.Color, CreatedAt: v.CreatedAt,
		AvailableStock: 7, ReservedQuantity: 1, SoldQuantity: 3,
	}, got)

	_, err = l.CancelReservation(ctx, v.ID, 2)
	require.True(t, orders.IsInvariantViolation(err))

	got, err = l.CancelReservation(ctx, v.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReservedQuantity)

	got, err = l.Restock(ctx, v.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Sellable())
}

func TestLedger_ConcurrentReservationsNeverOversell(t *testing.T) {
	const (
		stock   = 10
		workers = 50
	)
	store := orders.NewMemoryStore()
	l := ledger.New(store, nil)
	v := seedVariants(t, store, stock)[0]

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(t.Context(), v.ID, 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, &orders.InsufficientStockError{}):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(stock), succeeded.Load())
	assert.Equal(t, int64(workers-stock), rejected.Load())

	got, err := store.GetVariant(t.Context(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, stock, got.ReservedQuantity)
	assert.Equal(t, 0, got.Sellable())
}
