// Package pricing derives unit prices and order totals. Every function is pure:
// the same lines and catalog always produce the same totals.
package pricing

import (
	"fmt"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/samber/lo"
)

// FinalUnitPrice is base minus the floored percentage discount, in minor units.
func FinalUnitPrice(base int64, discountPercent int) int64 {
	return base - (base*int64(discountPercent))/100
}

func ProductFinalPrice(p orders.Product) int64 {
	return FinalUnitPrice(p.BasePrice, p.DiscountPercent)
}

// OrderTotals recomputes an order's totals from its lines. Original uses the
// price snapshot taken at reservation; Total uses the product's current
// discounted price. An order without lines totals zero.
func OrderTotals(lines []orders.OrderLine, catalog map[int64]orders.Product) (orders.Totals, error) {
	for _, l := range lines {
		if _, ok := catalog[l.ProductID]; !ok {
			return orders.Totals{}, fmt.Errorf("line %d product %d: %w", l.ID, l.ProductID, orders.ErrProductNotFound)
		}
	}

	original := lo.SumBy(lines, func(l orders.OrderLine) int64 {
		return l.UnitPriceAtReservation * int64(l.Quantity)
	})
	total := lo.SumBy(lines, func(l orders.OrderLine) int64 {
		return ProductFinalPrice(catalog[l.ProductID]) * int64(l.Quantity)
	})

	return orders.Totals{Original: original, Total: total, Discount: original - total}, nil
}

// ProductIDs lists the distinct products referenced by lines, for a catalog lookup.
func ProductIDs(lines []orders.OrderLine) []int64 {
	return lo.Uniq(lo.Map(lines, func(l orders.OrderLine, _ int) int64 { return l.ProductID }))
}
