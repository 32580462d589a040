// Package fulfillment applies status updates from the fulfillment system to orders.
package fulfillment

import (
	"context"

	kafkax "github.com/ariefcatur/go-storefront-settlement/internal/kafka"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type Transitioner interface {
	Transition(ctx context.Context, orderID int64, to orders.Status) (orders.Order, error)
}

type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type Service struct {
	Orders Transitioner
	Dedup  Deduper // optional
	Log    *zap.Logger
}

// HandleFulfillmentStatus is installed as the consumer handler. Returning an
// error makes the consumer retry the message before anything later in its
// partition; only infrastructure failures do that. Rejected transitions and malformed
// messages are logged and acknowledged.
func (s *Service) HandleFulfillmentStatus(ctx context.Context, m kafkago.Message) error {
	log := s.logger()

	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		log.Error("dropping malformed message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventFulfillmentStatusUpdate {
		return nil
	}
	log = log.With(zap.String("event_id", env.EventID))

	p, err := kafkax.UnwrapPayload[orders.FulfillmentStatusPayload](env.Payload)
	if err != nil {
		log.Error("dropping malformed payload", zap.Error(err))
		return nil
	}
	to, err := orders.ParseStatus(string(p.Status))
	if err != nil {
		log.Error("dropping unknown status", zap.Int64("order_id", p.OrderID), zap.Error(err))
		return nil
	}

	if s.Dedup != nil && env.EventID != "" {
		first, err := s.Dedup.Claim(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			log.Debug("duplicate event skipped")
			return nil
		}
	}

	ctx = kafkax.ContextFromHeaders(ctx, m.Headers)
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "fulfillment.HandleStatus")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("order.id", p.OrderID),
		attribute.String("order.status.to", string(to)),
		attribute.String("messaging.message.id", env.EventID),
	)

	o, err := s.Orders.Transition(ctx, p.OrderID, to)
	switch {
	case err == nil:
		log.Info("fulfillment status applied", zap.Int64("order_id", o.ID), zap.String("status", string(o.Status)))
		return nil
	case orders.IsInvariantViolation(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("ledger invariant violated", zap.Int64("order_id", p.OrderID), zap.String("status", string(to)), zap.Error(err))
		return nil
	case isRejection(err):
		log.Warn("fulfillment status rejected", zap.Int64("order_id", p.OrderID), zap.String("status", string(to)), zap.Error(err))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.Dedup != nil && env.EventID != "" {
		if rerr := s.Dedup.Release(context.WithoutCancel(ctx), env.EventID); rerr != nil {
			log.Warn("dedup release failed", zap.Error(rerr))
		}
	}
	return err
}

// isRejection reports domain outcomes a redelivery cannot change.
func isRejection(err error) bool {
	return orders.IsInvalidTransition(err) ||
		orders.IsInvalidLineMutation(err) ||
		orders.IsInsufficientStock(err) ||
		orders.IsNotFound(err)
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
