package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Product is the catalog entry a variant belongs to. Prices are in minor currency units.
type Product struct {
	ID              int64
	Name            string
	BasePrice       int64
	DiscountPercent int
	CreatedAt       time.Time
}

func (p Product) Validate() error {
	if p.BasePrice < 0 {
		return fmt.Errorf("%w: base price %d is negative", ErrInvalidProduct, p.BasePrice)
	}
	if p.DiscountPercent < 0 || p.DiscountPercent > 100 {
		return fmt.Errorf("%w: discount %d outside [0,100]", ErrInvalidProduct, p.DiscountPercent)
	}
	return nil
}

// Variant is a stockable size/color combination of a product.
type Variant struct {
	ID               int64
	ProductID        int64
	Size             string
	Color            string
	AvailableStock   int // units on hand; restock adds, a confirmed sale removes
	ReservedQuantity int
	SoldQuantity     int
	CreatedAt        time.Time
}

// Sellable is the quantity open to new reservations.
func (v Variant) Sellable() int {
	return v.AvailableStock - v.ReservedQuantity
}

type Totals struct {
	Original int64 // sum of reservation-time snapshots
	Total    int64 // sum of current discounted prices
	Discount int64 // Original - Total
}

type Order struct {
	ID        int64
	Number    uuid.UUID
	UserID    string
	Status    Status
	Totals    Totals
	Lines     []OrderLine
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line returns the line with the given ID, if the order owns it.
func (o Order) Line(lineID int64) (OrderLine, bool) {
	for _, l := range o.Lines {
		if l.ID == lineID {
			return l, true
		}
	}
	return OrderLine{}, false
}

type OrderLine struct {
	ID                     int64
	OrderID                int64
	VariantID              int64
	ProductID              int64
	UnitPriceAtReservation int64
	Quantity               int
	CreatedAt              time.Time
}

// OrderFilter narrows ListOrders. Empty Statuses means any status.
type OrderFilter struct {
	UserID   string
	Statuses []Status
}

func (f OrderFilter) Match(o Order) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}
