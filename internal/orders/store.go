package orders

import "context"

// Store is the persistence port of the settlement engine.
//
// Reads outside WithinTx see committed state only and take no locks; they are
// fine for display but must never drive a mutation decision.
type Store interface {
	CreateOrder(ctx context.Context, userID string) (Order, error)
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	GetVariant(ctx context.Context, variantID int64) (Variant, error)

	// Catalog management. Counters of an existing variant are left untouched by SaveVariant.
	SaveProduct(ctx context.Context, p Product) (Product, error)
	SaveVariant(ctx context.Context, v Variant) (Variant, error)

	// WithinTx runs fn in one all-or-nothing transaction. Any error returned by fn,
	// or a context cancelled before commit, discards every write made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is a unit of work. Rows returned by the ForUpdate methods stay locked until
// the transaction ends. Callers lock the order first, then variants.
type Tx interface {
	OrderForUpdate(ctx context.Context, orderID int64) (Order, error)
	// VariantsForUpdate locks variants in ascending id order. Duplicate ids are allowed.
	VariantsForUpdate(ctx context.Context, variantIDs ...int64) (map[int64]Variant, error)
	// LineOrderID resolves the owner of a line without locking it.
	LineOrderID(ctx context.Context, lineID int64) (int64, error)
	// Products is the catalog lookup used for price snapshots and totals.
	Products(ctx context.Context, productIDs ...int64) (map[int64]Product, error)

	UpdateVariant(ctx context.Context, v Variant) error
	InsertLine(ctx context.Context, line OrderLine) (OrderLine, error)
	DeleteLine(ctx context.Context, orderID, lineID int64) error
	// UpdateOrder persists status and totals of a locked order.
	UpdateOrder(ctx context.Context, o Order) error
}
