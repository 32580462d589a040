package httpx

import (
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Money is a minor-unit amount rendered at the currency's standard scale.
type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func money(minor int64, cur currency.Unit) Money {
	scale, _ := currency.Standard.Rounding(cur)
	return Money{Amount: decimal.New(minor, -int32(scale)).StringFixed(int32(scale)), Currency: cur.String()}
}

type OrderResp struct {
	ID            int64      `json:"id"`
	OrderNumber   string     `json:"order_number"`
	UserID        string     `json:"user_id"`
	Status        string     `json:"status"`
	OriginalPrice Money      `json:"original_price"`
	TotalPrice    Money      `json:"total_price"`
	Discount      Money      `json:"discount"`
	Lines         []LineResp `json:"lines"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type LineResp struct {
	ID                     int64 `json:"id"`
	OrderID                int64 `json:"order_id"`
	VariantID              int64 `json:"variant_id"`
	ProductID              int64 `json:"product_id"`
	Quantity               int   `json:"quantity"`
	UnitPriceAtReservation Money `json:"unit_price_at_reservation"`
}

type StockResp struct {
	VariantID int64 `json:"variant_id"`
	Sellable  int   `json:"sellable"`
}

type VariantResp struct {
	ID               int64 `json:"id"`
	ProductID        int64 `json:"product_id"`
	AvailableStock   int   `json:"available_stock"`
	ReservedQuantity int   `json:"reserved_quantity"`
	SoldQuantity     int   `json:"sold_quantity"`
}

type CreateOrderReq struct {
	UserID string `json:"user_id"`
}

type AddLineReq struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type QuantityReq struct {
	Quantity int `json:"quantity"`
}

type TransitionReq struct {
	Status string `json:"status"`
}

func toOrderResp(o orders.Order, cur currency.Unit) OrderResp {
	return OrderResp{
		ID:            o.ID,
		OrderNumber:   o.Number.String(),
		UserID:        o.UserID,
		Status:        string(o.Status),
		OriginalPrice: money(o.Totals.Original, cur),
		TotalPrice:    money(o.Totals.Total, cur),
		Discount:      money(o.Totals.Discount, cur),
		Lines: lo.Map(o.Lines, func(l orders.OrderLine, _ int) LineResp {
			return toLineResp(l, cur)
		}),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func toLineResp(l orders.OrderLine, cur currency.Unit) LineResp {
	return LineResp{
		ID:                     l.ID,
		OrderID:                l.OrderID,
		VariantID:              l.VariantID,
		ProductID:              l.ProductID,
		Quantity:               l.Quantity,
		UnitPriceAtReservation: money(l.UnitPriceAtReservation, cur),
	}
}

func toVariantResp(v orders.Variant) VariantResp {
	return VariantResp{
		ID:               v.ID,
		ProductID:        v.ProductID,
		AvailableStock:   v.AvailableStock,
		ReservedQuantity: v.ReservedQuantity,
		SoldQuantity:     v.SoldQuantity,
	}
}
