package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderLineAdded          = "OrderLineAdded"
	EventOrderLineRemoved        = "OrderLineRemoved"
	EventOrderStatusChanged      = "OrderStatusChanged"
	EventOrderDelivered          = "OrderDelivered"
	EventOrderCancelled          = "OrderCancelled"
	EventFulfillmentStatusUpdate = "FulfillmentStatusUpdated"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order number
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type LinePayload struct {
	OrderID                int64  `json:"order_id"`
	OrderNumber            string `json:"order_number"`
	LineID                 int64  `json:"line_id"`
	VariantID              int64  `json:"variant_id"`
	Qty                    int    `json:"qty"`
	UnitPriceAtReservation int64  `json:"unit_price_at_reservation"`
	TotalPrice             int64  `json:"total_price"`
}

type ItemQty struct {
	VariantID int64 `json:"variant_id"`
	Qty       int   `json:"qty"`
}

type StatusPayload struct {
	OrderID       int64     `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	OriginalPrice int64     `json:"original_price"`
	TotalPrice    int64     `json:"total_price"`
	Items         []ItemQty `json:"items,omitempty"` // settled or released quantities
}

// FulfillmentStatusPayload is consumed from the fulfillment system.
type FulfillmentStatusPayload struct {
	OrderID int64  `json:"order_id"`
	Status  Status `json:"status"`
}
