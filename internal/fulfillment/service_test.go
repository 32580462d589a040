package fulfillment_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront-settlement/internal/fulfillment"
	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/redisx"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusMessage(t *testing.T, eventID string, orderID int64, status orders.Status) kafkago.Message {
	t.Helper()

	payload, err := json.Marshal(orders.FulfillmentStatusPayload{OrderID: orderID, Status: status})
	require.NoError(t, err)
	value, err := json.Marshal(orders.Envelope{
		EventID:      eventID,
		EventType:    orders.EventFulfillmentStatusUpdate,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     "warehouse",
		Payload:      payload,
	})
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicFulfillmentStatus, Key: orders.PartitionKey(orderID), Value: value}
}

type fixture struct {
	handler *fulfillment.Service
	svc     *settlement.Service
	store   *orders.MemoryStore
	order   orders.Order
	variant orders.Variant
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := t.Context()

	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })

	store := orders.NewMemoryStore()
	svc := settlement.New(store, nil)

	p, err := store.SaveProduct(ctx, orders.Product{Name: gofakeit.ProductName(), BasePrice: 1000})
	require.NoError(t, err)
	v, err := store.SaveVariant(ctx, orders.Variant{ProductID: p.ID, Size: "M", Color: gofakeit.Color(), AvailableStock: 10})
	require.NoError(t, err)

	o, err := svc.CreateOrder(ctx, gofakeit.UUID())
	require.NoError(t, err)
	_, err = svc.AddLine(ctx, o.ID, v.ID, 3)
	require.NoError(t, err)

	return fixture{
		handler: &fulfillment.Service{Orders: svc, Dedup: redisx.NewDedup(rdb, "fulfillment")},
		svc:     svc,
		store:   store,
		order:   o,
		variant: v,
	}
}

func TestHandleFulfillmentStatus_DrivesLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for _, status := range []orders.Status{orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered} {
		err := f.handler.HandleFulfillmentStatus(ctx, statusMessage(t, uuid.NewString(), f.order.ID, status))
		require.NoError(t, err)
	}

	o, err := f.svc.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, o.Status)

	v, err := f.store.GetVariant(ctx, f.variant.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, v.SoldQuantity)
	assert.Equal(t, 0, v.ReservedQuantity)
}

func TestHandleFulfillmentStatus_DuplicateEventIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	msg := statusMessage(t, "evt-1", f.order.ID, orders.StatusCancelled)
	require.NoError(t, f.handler.HandleFulfillmentStatus(ctx, msg))
	require.NoError(t, f.handler.HandleFulfillmentStatus(ctx, msg))

	v, err := f.store.GetVariant(ctx, f.variant.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, v.ReservedQuantity)
}

func TestHandleFulfillmentStatus_AcknowledgesRejections(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	tests := []struct {
		name string
		msg  kafkago.Message
	}{
		{name: "invalid transition", msg: statusMessage(t, uuid.NewString(), f.order.ID, orders.StatusDelivered)},
		{name: "unknown order", msg: statusMessage(t, uuid.NewString(), 9999, orders.StatusProcessing)},
		{name: "unknown status", msg: statusMessage(t, uuid.NewString(), f.order.ID, orders.Status("lost"))},
		{name: "malformed envelope", msg: kafkago.Message{Value: []byte("{")}},
		{name: "other event type", msg: kafkago.Message{Value: []byte(`{"event_type":"Something"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, f.handler.HandleFulfillmentStatus(ctx, tt.msg))
		})
	}

	o, err := f.svc.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
}

type failingOrders struct{ calls int }

func (f *failingOrders) Transition(context.Context, int64, orders.Status) (orders.Order, error) {
	f.calls++
	return orders.Order{}, errors.New("connection reset")
}

func TestHandleFulfillmentStatus_InfraErrorIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisx.New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })

	target := &failingOrders{}
	h := &fulfillment.Service{Orders: target, Dedup: redisx.NewDedup(rdb, "fulfillment")}
	msg := statusMessage(t, "evt-retry", 1, orders.StatusProcessing)

	require.Error(t, h.HandleFulfillmentStatus(t.Context(), msg))
	// the claim was released, so the redelivery reaches the service again
	require.Error(t, h.HandleFulfillmentStatus(t.Context(), msg))
	assert.Equal(t, 2, target.calls)
}
