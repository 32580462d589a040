package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
)

const (
	orderColumns   = `id, order_number, user_id, status, original_price, total_price, discount_amount, created_at, updated_at`
	lineColumns    = `id, order_id, variant_id, product_id, unit_price, quantity, created_at`
	variantColumns = `id, product_id, size, color, available_stock, reserved_quantity, sold_quantity, created_at`
	productColumns = `id, name, base_price, discount_percentage, created_at`

	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// Repo is the PostgreSQL Store. Row locks (SELECT ... FOR UPDATE) serialize
// writers per order and per variant.
type Repo struct{ DB *pgxpool.Pool }

// compile-time assertion that Repo implements Store
var _ Store = (*Repo)(nil)

func (r *Repo) CreateOrder(ctx context.Context, userID string) (Order, error) {
	if userID == "" {
		return Order{}, fmt.Errorf("user id is empty")
	}

	row := r.DB.QueryRow(ctx, `
		INSERT INTO orders(order_number, user_id, status)
		VALUES ($1, $2, 'pending')
		RETURNING `+orderColumns, uuid.New(), userID)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	var o Order
	// one snapshot for the order row and its lines
	err := pgx.BeginTxFunc(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		o, err = scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("select order: %w", err)
		}
		o.Lines, err = selectLines(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (r *Repo) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	statuses := lo.Map(filter.Statuses, func(s Status, _ int) string { return string(s) })

	var out []Order
	err := pgx.BeginTxFunc(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE ($1 = '' OR user_id = $1)
			  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
			ORDER BY created_at DESC, id DESC`, filter.UserID, statuses)
		if err != nil {
			return fmt.Errorf("select orders: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) { return scanOrder(row) })
		if err != nil {
			return fmt.Errorf("scan orders: %w", err)
		}
		if len(out) == 0 {
			return nil
		}

		ids := lo.Map(out, func(o Order, _ int) int64 { return o.ID })
		lineRows, err := tx.Query(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = ANY($1) ORDER BY id`, ids)
		if err != nil {
			return fmt.Errorf("select lines: %w", err)
		}
		lines, err := pgx.CollectRows(lineRows, func(row pgx.CollectableRow) (OrderLine, error) { return scanLine(row) })
		if err != nil {
			return fmt.Errorf("scan lines: %w", err)
		}

		byOrder := lo.GroupBy(lines, func(l OrderLine) int64 { return l.OrderID })
		for i := range out {
			out[i].Lines = byOrder[out[i].ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) GetVariant(ctx context.Context, variantID int64) (Variant, error) {
	v, err := scanVariant(r.DB.QueryRow(ctx, `SELECT `+variantColumns+` FROM product_variants WHERE id=$1`, variantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Variant{}, ErrVariantNotFound
		}
		return Variant{}, fmt.Errorf("select variant: %w", err)
	}
	return v, nil
}

func (r *Repo) SaveProduct(ctx context.Context, p Product) (Product, error) {
	if err := p.Validate(); err != nil {
		return Product{}, err
	}

	var err error
	if p.ID == 0 {
		err = r.DB.QueryRow(ctx, `
			INSERT INTO products(name, base_price, discount_percentage)
			VALUES ($1, $2, $3)
			RETURNING id, created_at`, p.Name, p.BasePrice, p.DiscountPercent).Scan(&p.ID, &p.CreatedAt)
	} else {
		err = r.DB.QueryRow(ctx, `
			UPDATE products SET name=$2, base_price=$3, discount_percentage=$4
			WHERE id=$1
			RETURNING created_at`, p.ID, p.Name, p.BasePrice, p.DiscountPercent).Scan(&p.CreatedAt)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, fmt.Errorf("product %d: %w", p.ID, ErrProductNotFound)
		}
		return Product{}, fmt.Errorf("save product: %w", err)
	}
	return p, nil
}

func (r *Repo) SaveVariant(ctx context.Context, v Variant) (Variant, error) {
	var (
		out Variant
		err error
	)
	if v.ID == 0 {
		out, err = scanVariant(r.DB.QueryRow(ctx, `
			INSERT INTO product_variants(product_id, size, color, available_stock, reserved_quantity, sold_quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+variantColumns,
			v.ProductID, v.Size, v.Color, v.AvailableStock, v.ReservedQuantity, v.SoldQuantity))
	} else {
		out, err = scanVariant(r.DB.QueryRow(ctx, `
			UPDATE product_variants SET size=$2, color=$3
			WHERE id=$1
			RETURNING `+variantColumns, v.ID, v.Size, v.Color))
	}
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return Variant{}, fmt.Errorf("variant %d: %w", v.ID, ErrVariantNotFound)
		case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation:
			return Variant{}, fmt.Errorf("product %d: %w", v.ProductID, ErrProductNotFound)
		case errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation:
			return Variant{}, fmt.Errorf("variant %d/%s/%s already exists", v.ProductID, v.Size, v.Color)
		}
		return Variant{}, fmt.Errorf("save variant: %w", err)
	}
	return out, nil
}

func (r *Repo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return withTx(ctx, r.DB, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func selectLines(ctx context.Context, tx pgx.Tx, orderID int64) ([]OrderLine, error) {
	rows, err := tx.Query(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrderLine, error) { return scanLine(row) })
	if err != nil {
		return nil, fmt.Errorf("scan lines: %w", err)
	}
	return lines, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
	)
	if err := row.Scan(&o.ID, &o.Number, &o.UserID, &status,
		&o.Totals.Original, &o.Totals.Total, &o.Totals.Discount,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	s, err := ParseStatus(status)
	if err != nil {
		return Order{}, err
	}
	o.Status = s
	return o, nil
}

func scanLine(row pgx.Row) (OrderLine, error) {
	var l OrderLine
	err := row.Scan(&l.ID, &l.OrderID, &l.VariantID, &l.ProductID, &l.UnitPriceAtReservation, &l.Quantity, &l.CreatedAt)
	return l, err
}

func scanVariant(row pgx.Row) (Variant, error) {
	var v Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.Size, &v.Color, &v.AvailableStock, &v.ReservedQuantity, &v.SoldQuantity, &v.CreatedAt)
	return v, err
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.BasePrice, &p.DiscountPercent, &p.CreatedAt)
	return p, err
}
