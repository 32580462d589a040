package settlement

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-storefront-settlement/internal/ledger"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AddLine reserves qty units of a variant and attaches them to the order as a
// new line priced at the product's current base price. On any failure the
// order, its lines and the variant counters are left as they were.
func (s *Service) AddLine(ctx context.Context, orderID, variantID int64, qty int) (line orders.OrderLine, err error) {
	ctx, span := startSpan(ctx, "settlement.AddLine",
		attribute.Int64("order.id", orderID),
		attribute.Int64("variant.id", variantID),
		attribute.Int("qty", qty),
	)
	defer func() { err = endSpan(span, err) }()

	if qty <= 0 {
		return orders.OrderLine{}, orders.ErrInvalidQuantity
	}

	var o orders.Order
	err = s.Store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if o, err = lockMutableOrder(ctx, tx, orderID); err != nil {
			return err
		}
		if line, err = s.addLine(ctx, tx, &o, variantID, qty); err != nil {
			return err
		}
		if err = recomputeTotals(ctx, tx, &o); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return orders.OrderLine{}, fmt.Errorf("add line to order %d: %w", orderID, err)
	}

	s.Log.Info("line added",
		zap.Int64("order_id", orderID),
		zap.Int64("line_id", line.ID),
		zap.Int64("variant_id", variantID),
		zap.Int("qty", qty),
	)
	s.afterCommit(ctx, effects{
		variants: []int64{variantID},
		events:   []event{lineEvent(orders.EventOrderLineAdded, o, line)},
	})
	return line, nil
}

// RemoveLine releases the line's reservation and deletes it. The line's order
// is resolved, locked and re-checked as the owner before anything changes.
func (s *Service) RemoveLine(ctx context.Context, lineID int64) (err error) {
	ctx, span := startSpan(ctx, "settlement.RemoveLine", attribute.Int64("line.id", lineID))
	defer func() { err = endSpan(span, err) }()

	var (
		o       orders.Order
		removed orders.OrderLine
	)
	err = s.Store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if o, err = lockLineOrder(ctx, tx, lineID); err != nil {
			return err
		}
		if removed, err = s.removeLine(ctx, tx, &o, lineID); err != nil {
			return err
		}
		if err = recomputeTotals(ctx, tx, &o); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return fmt.Errorf("remove line %d: %w", lineID, err)
	}

	s.Log.Info("line removed",
		zap.Int64("order_id", o.ID),
		zap.Int64("line_id", lineID),
		zap.Int64("variant_id", removed.VariantID),
		zap.Int("qty", removed.Quantity),
	)
	s.afterCommit(ctx, effects{
		variants: []int64{removed.VariantID},
		events:   []event{lineEvent(orders.EventOrderLineRemoved, o, removed)},
	})
	return nil
}

// ReplaceLine changes a line's quantity by removing it and adding a new line for
// the same variant in one transaction. If the new reservation fails the old
// line and its reservation stay in place.
func (s *Service) ReplaceLine(ctx context.Context, lineID int64, qty int) (line orders.OrderLine, err error) {
	ctx, span := startSpan(ctx, "settlement.ReplaceLine",
		attribute.Int64("line.id", lineID),
		attribute.Int("qty", qty),
	)
	defer func() { err = endSpan(span, err) }()

	if qty <= 0 {
		return orders.OrderLine{}, orders.ErrInvalidQuantity
	}

	var (
		o       orders.Order
		removed orders.OrderLine
	)
	err = s.Store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if o, err = lockLineOrder(ctx, tx, lineID); err != nil {
			return err
		}
		if removed, err = s.removeLine(ctx, tx, &o, lineID); err != nil {
			return err
		}
		if line, err = s.addLine(ctx, tx, &o, removed.VariantID, qty); err != nil {
			return err
		}
		if err = recomputeTotals(ctx, tx, &o); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return orders.OrderLine{}, fmt.Errorf("replace line %d: %w", lineID, err)
	}

	s.Log.Info("line replaced",
		zap.Int64("order_id", o.ID),
		zap.Int64("old_line_id", lineID),
		zap.Int64("line_id", line.ID),
		zap.Int("old_qty", removed.Quantity),
		zap.Int("qty", qty),
	)
	s.afterCommit(ctx, effects{
		variants: []int64{removed.VariantID},
		events: []event{
			lineEvent(orders.EventOrderLineRemoved, o, removed),
			lineEvent(orders.EventOrderLineAdded, o, line),
		},
	})
	return line, nil
}

func (s *Service) addLine(ctx context.Context, tx orders.Tx, o *orders.Order, variantID int64, qty int) (orders.OrderLine, error) {
	variants, err := s.Ledger.Post(ctx, tx, ledger.OpReserve, ledger.Entry{VariantID: variantID, Qty: qty})
	if err != nil {
		return orders.OrderLine{}, err
	}
	v := variants[variantID]

	products, err := tx.Products(ctx, v.ProductID)
	if err != nil {
		return orders.OrderLine{}, err
	}

	line, err := tx.InsertLine(ctx, orders.OrderLine{
		OrderID:                o.ID,
		VariantID:              variantID,
		ProductID:              v.ProductID,
		UnitPriceAtReservation: products[v.ProductID].BasePrice,
		Quantity:               qty,
	})
	if err != nil {
		return orders.OrderLine{}, err
	}
	o.Lines = append(o.Lines, line)
	return line, nil
}

func (s *Service) removeLine(ctx context.Context, tx orders.Tx, o *orders.Order, lineID int64) (orders.OrderLine, error) {
	line, ok := o.Line(lineID)
	if !ok {
		return orders.OrderLine{}, orders.ErrLineNotFound
	}

	_, err := s.Ledger.Post(ctx, tx, ledger.OpCancelReservation, ledger.Entry{VariantID: line.VariantID, Qty: line.Quantity})
	if err != nil {
		return orders.OrderLine{}, err
	}
	if err := tx.DeleteLine(ctx, o.ID, lineID); err != nil {
		return orders.OrderLine{}, err
	}

	o.Lines = lo.Reject(o.Lines, func(l orders.OrderLine, _ int) bool { return l.ID == lineID })
	return line, nil
}

func lockMutableOrder(ctx context.Context, tx orders.Tx, orderID int64) (orders.Order, error) {
	o, err := tx.OrderForUpdate(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if o.Status.Terminal() {
		return orders.Order{}, &orders.InvalidLineMutationError{OrderID: o.ID, Status: o.Status}
	}
	return o, nil
}

// lockLineOrder locks the order that owns lineID. The owner is looked up
// without a lock, so ownership is confirmed again once the order is held.
func lockLineOrder(ctx context.Context, tx orders.Tx, lineID int64) (orders.Order, error) {
	orderID, err := tx.LineOrderID(ctx, lineID)
	if err != nil {
		return orders.Order{}, err
	}
	o, err := lockMutableOrder(ctx, tx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if _, ok := o.Line(lineID); !ok {
		return orders.Order{}, orders.ErrLineNotFound
	}
	return o, nil
}

func lineEvent(kind string, o orders.Order, l orders.OrderLine) event {
	return event{
		topic: orders.TopicOrderLines,
		kind:  kind,
		order: o,
		payload: orders.LinePayload{
			OrderID:                o.ID,
			OrderNumber:            o.Number.String(),
			LineID:                 l.ID,
			VariantID:              l.VariantID,
			Qty:                    l.Quantity,
			UnitPriceAtReservation: l.UnitPriceAtReservation,
			TotalPrice:             o.Totals.Total,
		},
	}
}
