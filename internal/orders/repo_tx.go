package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

// withTx runs fn inside a READ COMMITTED transaction and commits it only when fn succeeds.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) (txErr error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("pool.BeginTx: %w", err)
	}

	defer func() {
		if txErr != nil {
			// the caller's context may already be cancelled
			rollbackErr := tx.Rollback(context.WithoutCancel(ctx))
			if rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				txErr = errors.Join(txErr, fmt.Errorf("tx.Rollback: %w", rollbackErr))
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx.Commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) OrderForUpdate(ctx context.Context, orderID int64) (Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("lock order: %w", err)
	}

	o.Lines, err = selectLines(ctx, t.tx, orderID)
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (t *pgTx) VariantsForUpdate(ctx context.Context, variantIDs ...int64) (map[int64]Variant, error) {
	ids := lo.Uniq(variantIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// ORDER BY before FOR UPDATE: rows are locked in id order
	rows, err := t.tx.Query(ctx, `
		SELECT `+variantColumns+` FROM product_variants
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock variants: %w", err)
	}
	variants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Variant, error) { return scanVariant(row) })
	if err != nil {
		return nil, fmt.Errorf("scan variants: %w", err)
	}

	out := lo.KeyBy(variants, func(v Variant) int64 { return v.ID })
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("variant %d: %w", id, ErrVariantNotFound)
		}
	}
	return out, nil
}

func (t *pgTx) LineOrderID(ctx context.Context, lineID int64) (int64, error) {
	var orderID int64
	if err := t.tx.QueryRow(ctx, `SELECT order_id FROM order_lines WHERE id=$1`, lineID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLineNotFound
		}
		return 0, fmt.Errorf("select line owner: %w", err)
	}
	return orderID, nil
}

func (t *pgTx) Products(ctx context.Context, productIDs ...int64) (map[int64]Product, error) {
	ids := lo.Uniq(productIDs)

	rows, err := t.tx.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) { return scanProduct(row) })
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}

	out := lo.KeyBy(products, func(p Product) int64 { return p.ID })
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("product %d: %w", id, ErrProductNotFound)
		}
	}
	return out, nil
}

func (t *pgTx) UpdateVariant(ctx context.Context, v Variant) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE product_variants
		SET available_stock=$2, reserved_quantity=$3, sold_quantity=$4
		WHERE id=$1`, v.ID, v.AvailableStock, v.ReservedQuantity, v.SoldQuantity)
	if err != nil {
		return fmt.Errorf("update variant: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("update variant %d: %w", v.ID, ErrVariantNotFound)
	}
	return nil
}

func (t *pgTx) InsertLine(ctx context.Context, line OrderLine) (OrderLine, error) {
	if line.Quantity <= 0 {
		return OrderLine{}, ErrInvalidQuantity
	}

	err := t.tx.QueryRow(ctx, `
		INSERT INTO order_lines(order_id, variant_id, product_id, unit_price, quantity)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		line.OrderID, line.VariantID, line.ProductID, line.UnitPriceAtReservation, line.Quantity,
	).Scan(&line.ID, &line.CreatedAt)
	if err != nil {
		return OrderLine{}, fmt.Errorf("insert line: %w", err)
	}
	return line, nil
}

func (t *pgTx) DeleteLine(ctx context.Context, orderID, lineID int64) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM order_lines WHERE id=$1 AND order_id=$2`, lineID, orderID)
	if err != nil {
		return fmt.Errorf("delete line: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status=$2, original_price=$3, total_price=$4, discount_amount=$5, updated_at=now()
		WHERE id=$1`, o.ID, string(o.Status), o.Totals.Original, o.Totals.Total, o.Totals.Discount)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return ErrOrderNotFound
	}
	return nil
}
