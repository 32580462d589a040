// Package ledger owns the per-variant stock counters. Every counter change goes
// through Post, which locks the variants it touches and writes them back only
// when the whole batch applies cleanly.
package ledger

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type Op string

const (
	OpReserve           Op = "reserve"
	OpConfirmSale       Op = "confirm_sale"
	OpCancelReservation Op = "cancel_reservation"
	OpRestock           Op = "restock"
)

var apply = map[Op]func(orders.Variant, int) (orders.Variant, error){
	OpReserve:           Reserve,
	OpConfirmSale:       ConfirmSale,
	OpCancelReservation: CancelReservation,
	OpRestock:           Restock,
}

// Entry is one counter movement of Qty units on a variant.
type Entry struct {
	VariantID int64
	Qty       int
}

// IsAvailable reports whether qty more units can be reserved.
func IsAvailable(v orders.Variant, qty int) bool {
	return v.Sellable() >= qty
}

func Reserve(v orders.Variant, qty int) (orders.Variant, error) {
	if qty <= 0 {
		return v, orders.ErrInvalidQuantity
	}
	if !IsAvailable(v, qty) {
		return v, &orders.InsufficientStockError{VariantID: v.ID, Requested: qty, Sellable: v.Sellable()}
	}
	v.ReservedQuantity += qty
	return v, nil
}

// ConfirmSale turns reserved units into sold ones. The units leave on-hand stock.
func ConfirmSale(v orders.Variant, qty int) (orders.Variant, error) {
	if qty <= 0 {
		return v, orders.ErrInvalidQuantity
	}
	if v.ReservedQuantity < qty {
		return v, &orders.OverConfirmationError{VariantID: v.ID, Requested: qty, Reserved: v.ReservedQuantity}
	}
	v.ReservedQuantity -= qty
	v.AvailableStock -= qty
	v.SoldQuantity += qty
	return v, nil
}

func CancelReservation(v orders.Variant, qty int) (orders.Variant, error) {
	if qty <= 0 {
		return v, orders.ErrInvalidQuantity
	}
	if v.ReservedQuantity < qty {
		return v, &orders.OverCancellationError{VariantID: v.ID, Requested: qty, Reserved: v.ReservedQuantity}
	}
	v.ReservedQuantity -= qty
	return v, nil
}

func Restock(v orders.Variant, qty int) (orders.Variant, error) {
	if qty <= 0 {
		return v, orders.ErrInvalidQuantity
	}
	v.AvailableStock += qty
	return v, nil
}

type Ledger struct {
	Store orders.Store
	Log   *zap.Logger
}

func New(store orders.Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{Store: store, Log: log}
}

// Post applies op to every entry inside tx. Variants are locked in ascending id
// order; entries for the same variant apply in sequence. Nothing is written
// unless every entry succeeds. It returns the updated variants keyed by id.
func (l *Ledger) Post(ctx context.Context, tx orders.Tx, op Op, entries ...Entry) (map[int64]orders.Variant, error) {
	fn, ok := apply[op]
	if !ok {
		return nil, fmt.Errorf("unknown ledger op %q", op)
	}

	ctx, span := otel.Tracer("ledger").Start(ctx, "ledger.Post")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.op", string(op)), attribute.Int("ledger.entries", len(entries)))

	out, err := l.post(ctx, tx, fn, entries)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (l *Ledger) post(ctx context.Context, tx orders.Tx, fn func(orders.Variant, int) (orders.Variant, error), entries []Entry) (map[int64]orders.Variant, error) {
	if len(entries) == 0 {
		return map[int64]orders.Variant{}, nil
	}

	ids := lo.Uniq(lo.Map(entries, func(e Entry, _ int) int64 { return e.VariantID }))
	locked, err := tx.VariantsForUpdate(ctx, ids...)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		v, err := fn(locked[e.VariantID], e.Qty)
		if err != nil {
			return nil, err
		}
		locked[e.VariantID] = v
	}

	for _, v := range locked {
		if err := tx.UpdateVariant(ctx, v); err != nil {
			return nil, err
		}
	}
	return locked, nil
}

// Reserve holds qty units of a variant in its own transaction.
func (l *Ledger) Reserve(ctx context.Context, variantID int64, qty int) (orders.Variant, error) {
	return l.postOne(ctx, OpReserve, variantID, qty)
}

func (l *Ledger) ConfirmSale(ctx context.Context, variantID int64, qty int) (orders.Variant, error) {
	return l.postOne(ctx, OpConfirmSale, variantID, qty)
}

func (l *Ledger) CancelReservation(ctx context.Context, variantID int64, qty int) (orders.Variant, error) {
	return l.postOne(ctx, OpCancelReservation, variantID, qty)
}

// Restock adds qty units to on-hand stock.
func (l *Ledger) Restock(ctx context.Context, variantID int64, qty int) (orders.Variant, error) {
	return l.postOne(ctx, OpRestock, variantID, qty)
}

func (l *Ledger) postOne(ctx context.Context, op Op, variantID int64, qty int) (orders.Variant, error) {
	var out orders.Variant
	err := l.Store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		vs, err := l.Post(ctx, tx, op, Entry{VariantID: variantID, Qty: qty})
		if err != nil {
			return err
		}
		out = vs[variantID]
		return nil
	})
	if err != nil {
		return orders.Variant{}, fmt.Errorf("ledger %s variant %d: %w", op, variantID, err)
	}

	l.Log.Debug("ledger posted",
		zap.String("op", string(op)),
		zap.Int64("variant_id", variantID),
		zap.Int("qty", qty),
		zap.Int("sellable", out.Sellable()),
	)
	return out, nil
}

// SellableStock reads committed counters without locking. The value may be
// stale by the time the caller acts on it.
func (l *Ledger) SellableStock(ctx context.Context, variantID int64) (int, error) {
	v, err := l.Store.GetVariant(ctx, variantID)
	if err != nil {
		return 0, err
	}
	return v.Sellable(), nil
}
