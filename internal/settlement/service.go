// Package settlement keeps an order's lines, the variant counters they reserve
// and the order's derived totals consistent across the order lifecycle.
//
// Every mutating operation runs in one store transaction that locks the order
// row first and then the touched variants in ascending id order. Cache
// invalidation and event publishing happen after commit and never fail the
// operation.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/ledger"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/pricing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "settlement"

// Publisher hands a committed domain event to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, env orders.Envelope) error
}

// StockCache fronts SellableStock reads. load is called on a miss.
type StockCache interface {
	Sellable(ctx context.Context, variantID int64, load func(ctx context.Context) (int, error)) (int, error)
	Invalidate(ctx context.Context, variantIDs ...int64) error
}

type Service struct {
	Store  orders.Store
	Ledger *ledger.Ledger
	Events Publisher  // optional
	Stock  StockCache // optional
	Log    *zap.Logger

	// Name is written into the producer field of emitted envelopes.
	Name string
}

func New(store orders.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:  store,
		Ledger: ledger.New(store, log),
		Log:    log,
		Name:   "storefront-settlement",
	}
}

func (s *Service) CreateOrder(ctx context.Context, userID string) (orders.Order, error) {
	o, err := s.Store.CreateOrder(ctx, userID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("create order: %w", err)
	}
	s.Log.Info("order created", zap.Int64("order_id", o.ID), zap.String("user_id", userID))
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}

// ListOrders returns matching orders, newest first.
func (s *Service) ListOrders(ctx context.Context, filter orders.OrderFilter) ([]orders.Order, error) {
	return s.Store.ListOrders(ctx, filter)
}

// SellableStock is a read-only view for display. Reservations re-check
// availability under lock and never rely on this value.
func (s *Service) SellableStock(ctx context.Context, variantID int64) (int, error) {
	if s.Stock == nil {
		return s.Ledger.SellableStock(ctx, variantID)
	}
	return s.Stock.Sellable(ctx, variantID, func(ctx context.Context) (int, error) {
		return s.Ledger.SellableStock(ctx, variantID)
	})
}

// Restock adds on-hand units to a variant.
func (s *Service) Restock(ctx context.Context, variantID int64, qty int) (orders.Variant, error) {
	v, err := s.Ledger.Restock(ctx, variantID, qty)
	if err != nil {
		return orders.Variant{}, err
	}
	s.afterCommit(ctx, effects{variants: []int64{variantID}})
	return v, nil
}

// recomputeTotals is the single place an order's totals are derived. It reads
// each line's product at its current price.
func recomputeTotals(ctx context.Context, tx orders.Tx, o *orders.Order) error {
	if len(o.Lines) == 0 {
		o.Totals = orders.Totals{}
		return nil
	}
	catalog, err := tx.Products(ctx, pricing.ProductIDs(o.Lines)...)
	if err != nil {
		return err
	}
	totals, err := pricing.OrderTotals(o.Lines, catalog)
	if err != nil {
		return err
	}
	o.Totals = totals
	return nil
}

type event struct {
	topic   string
	kind    string
	order   orders.Order
	payload any
}

// effects collects what a committed transaction changed.
type effects struct {
	variants []int64
	events   []event
}

func (s *Service) afterCommit(ctx context.Context, fx effects) {
	// side effects run even if the caller has gone away
	ctx = context.WithoutCancel(ctx)

	if s.Stock != nil && len(fx.variants) > 0 {
		if err := s.Stock.Invalidate(ctx, fx.variants...); err != nil {
			s.Log.Warn("stock cache invalidation failed", zap.Int64s("variant_ids", fx.variants), zap.Error(err))
		}
	}

	if s.Events == nil {
		return
	}
	for _, ev := range fx.events {
		env, err := s.envelope(ctx, ev)
		if err != nil {
			s.Log.Error("encode event", zap.String("event_type", ev.kind), zap.Error(err))
			continue
		}
		if err := s.Events.Publish(ctx, ev.topic, orders.PartitionKey(ev.order.ID), env); err != nil {
			s.Log.Warn("publish event failed",
				zap.String("event_type", ev.kind),
				zap.String("event_id", env.EventID),
				zap.Int64("order_id", ev.order.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) envelope(ctx context.Context, ev event) (orders.Envelope, error) {
	payload, err := json.Marshal(ev.payload)
	if err != nil {
		return orders.Envelope{}, err
	}

	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.kind,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Name,
		CorrelationID: ev.order.Number.String(),
		Payload:       payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and returns it unchanged.
func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	return err
}
