package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-settlement/internal/ledger"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrSettlingStatus is returned by Advance for delivered and cancelled, which
// move stock and are reached through ConfirmDelivery and Cancel.
var ErrSettlingStatus = errors.New("target status settles stock")

// Transition moves an order to status to, settling stock when to is delivered
// or cancelled.
func (s *Service) Transition(ctx context.Context, orderID int64, to orders.Status) (orders.Order, error) {
	switch to {
	case orders.StatusDelivered:
		return s.ConfirmDelivery(ctx, orderID)
	case orders.StatusCancelled:
		return s.Cancel(ctx, orderID)
	default:
		return s.Advance(ctx, orderID, to)
	}
}

// Advance performs a status change that touches no stock:
// pending -> processing -> shipped.
func (s *Service) Advance(ctx context.Context, orderID int64, to orders.Status) (o orders.Order, err error) {
	ctx, span := startSpan(ctx, "settlement.Advance",
		attribute.Int64("order.id", orderID),
		attribute.String("order.status.to", string(to)),
	)
	defer func() { err = endSpan(span, err) }()

	if to == orders.StatusDelivered || to == orders.StatusCancelled {
		return orders.Order{}, fmt.Errorf("advance order %d to %s: %w", orderID, to, ErrSettlingStatus)
	}

	var from orders.Status
	err = s.Store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if o, err = lockForTransition(ctx, tx, orderID, to); err != nil {
			return err
		}
		from, o.Status = o.Status, to
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return orders.Order{}, fmt.Errorf("advance order %d: %w", orderID, err)
	}

	s.Log.Info("order status changed", zap.Int64("order_id", orderID), zap.String("from", string(from)), zap.String("status", string(to)))
	s.afterCommit(ctx, effects{events: []event{statusEvent(orders.EventOrderStatusChanged, o, from, nil)}})
	return o, nil
}

// ConfirmDelivery settles a shipped order: every line's reserved units become
// sold, totals are recomputed at current prices and the order is delivered.
// A second call fails with InvalidTransitionError.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID int64) (o orders.Order, err error) {
	ctx, span := startSpan(ctx, "settlement.ConfirmDelivery", attribute.Int64("order.id", orderID))
	defer func() { err = endSpan(span, err) }()

	o, from, err := s.settle(ctx, orderID, orders.StatusDelivered, ledger.OpConfirmSale)
	if err != nil {
		return orders.Order{}, fmt.Errorf("confirm delivery of order %d: %w", orderID, err)
	}

	s.Log.Info("order delivered", zap.Int64("order_id", orderID), zap.Int("lines", len(o.Lines)), zap.Int64("total", o.Totals.Total))
	s.afterCommit(ctx, effects{
		variants: lineVariants(o.Lines),
		events:   []event{statusEvent(orders.EventOrderDelivered, o, from, o.Lines)},
	})
	return o, nil
}

// Cancel releases every line's reservation and marks the order cancelled.
// Lines are kept for history.
func (s *Service) Cancel(ctx context.Context, orderID int64) (o orders.Order, err error) {
	ctx, span := startSpan(ctx, "settlement.Cancel", attribute.Int64("order.id", orderID))
	defer func() { err = endSpan(span, err) }()

	o, from, err := s.settle(ctx, orderID, orders.StatusCancelled, ledger.OpCancelReservation)
	if err != nil {
		return orders.Order{}, fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	s.Log.Info("order cancelled", zap.Int64("order_id", orderID), zap.String("from", string(from)), zap.Int("lines", len(o.Lines)))
	s.afterCommit(ctx, effects{
		variants: lineVariants(o.Lines),
		events:   []event{statusEvent(orders.EventOrderCancelled, o, from, o.Lines)},
	})
	return o, nil
}

// settle posts op for every line of the order and moves it to status to, all
// in one transaction. A single failing line rejects the whole transition.
func (s *Service) settle(ctx context.Context, orderID int64, to orders.Status, op ledger.Op) (orders.Order, orders.Status, error) {
	var (
		o    orders.Order
		from orders.Status
	)
	err := s.Store.WithinTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if o, err = lockForTransition(ctx, tx, orderID, to); err != nil {
			return err
		}

		entries := lo.Map(o.Lines, func(l orders.OrderLine, _ int) ledger.Entry {
			return ledger.Entry{VariantID: l.VariantID, Qty: l.Quantity}
		})
		if _, err = s.Ledger.Post(ctx, tx, op, entries...); err != nil {
			return err
		}
		if err = recomputeTotals(ctx, tx, &o); err != nil {
			return err
		}

		from, o.Status = o.Status, to
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return orders.Order{}, "", err
	}
	return o, from, nil
}

func lockForTransition(ctx context.Context, tx orders.Tx, orderID int64, to orders.Status) (orders.Order, error) {
	o, err := tx.OrderForUpdate(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !orders.CanTransition(o.Status, to) {
		return orders.Order{}, &orders.InvalidTransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	return o, nil
}

func lineVariants(lines []orders.OrderLine) []int64 {
	return lo.Uniq(lo.Map(lines, func(l orders.OrderLine, _ int) int64 { return l.VariantID }))
}

func statusEvent(kind string, o orders.Order, from orders.Status, settled []orders.OrderLine) event {
	return event{
		topic: orders.TopicOrderStatus,
		kind:  kind,
		order: o,
		payload: orders.StatusPayload{
			OrderID:       o.ID,
			OrderNumber:   o.Number.String(),
			From:          from,
			To:            o.Status,
			OriginalPrice: o.Totals.Original,
			TotalPrice:    o.Totals.Total,
			Items: lo.Map(settled, func(l orders.OrderLine, _ int) orders.ItemQty {
				return orders.ItemQty{VariantID: l.VariantID, Qty: l.Quantity}
			}),
		},
	}
}
