package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-settlement/internal/orders"
	"github.com/ariefcatur/go-storefront-settlement/internal/settlement"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
)

// Settlement is the part of settlement.Service served over HTTP.
type Settlement interface {
	CreateOrder(ctx context.Context, userID string) (orders.Order, error)
	GetOrder(ctx context.Context, orderID int64) (orders.Order, error)
	ListOrders(ctx context.Context, filter orders.OrderFilter) ([]orders.Order, error)
	AddLine(ctx context.Context, orderID, variantID int64, qty int) (orders.OrderLine, error)
	RemoveLine(ctx context.Context, lineID int64) error
	ReplaceLine(ctx context.Context, lineID int64, qty int) (orders.OrderLine, error)
	Transition(ctx context.Context, orderID int64, to orders.Status) (orders.Order, error)
	ConfirmDelivery(ctx context.Context, orderID int64) (orders.Order, error)
	Cancel(ctx context.Context, orderID int64) (orders.Order, error)
	SellableStock(ctx context.Context, variantID int64) (int, error)
	Restock(ctx context.Context, variantID int64, qty int) (orders.Variant, error)
}

type OrdersHandler struct {
	Service  Settlement
	Currency currency.Unit
	Log      *zap.Logger
}

var errBadRequest = errors.New("bad request")

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/users/{userID}/orders", h.listOrders)
	r.Post("/orders/{id}/lines", h.addLine)
	r.Put("/lines/{id}", h.replaceLine)
	r.Delete("/lines/{id}", h.removeLine)
	r.Post("/orders/{id}/status", h.transition)
	r.Post("/orders/{id}/deliver", h.deliver)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Get("/variants/{id}/stock", h.stock)
	r.Post("/variants/{id}/restock", h.restock)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain error kinds to status codes.
func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, orders.ErrInvalidQuantity), errors.Is(err, orders.ErrInvalidProduct):
		code = http.StatusBadRequest
	case orders.IsNotFound(err):
		code = http.StatusNotFound
	case orders.IsInsufficientStock(err),
		orders.IsInvalidTransition(err),
		orders.IsInvalidLineMutation(err),
		errors.Is(err, settlement.ErrSettlingStatus):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	if code >= http.StatusInternalServerError {
		if orders.IsInvariantViolation(err) {
			h.Log.Error("stock invariant violated", zap.String("path", r.URL.Path), zap.Error(err))
		} else {
			h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeJSON(w, code, map[string]string{"error": http.StatusText(code)})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", errBadRequest)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		h.writeError(w, r, fmt.Errorf("%w: missing user_id", errBadRequest))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.CreateOrder(ctx, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o, h.Currency))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o, h.Currency))
}

// listOrders accepts a comma separated ?status= filter.
func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter := orders.OrderFilter{UserID: chi.URLParam(r, "userID")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := orders.ParseStatus(strings.TrimSpace(s))
			if err != nil {
				h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Service.ListOrders(ctx, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(list, func(o orders.Order, _ int) OrderResp {
		return toOrderResp(o, h.Currency)
	}))
}

func (h *OrdersHandler) addLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req AddLineReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	line, err := h.Service.AddLine(ctx, id, req.VariantID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLineResp(line, h.Currency))
}

func (h *OrdersHandler) replaceLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req QuantityReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	line, err := h.Service.ReplaceLine(ctx, id, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineResp(line, h.Currency))
}

func (h *OrdersHandler) removeLine(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Service.RemoveLine(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req TransitionReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := orders.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.Transition(ctx, id, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o, h.Currency))
}

func (h *OrdersHandler) deliver(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Service.ConfirmDelivery)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Service.Cancel)
}

func (h *OrdersHandler) settle(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (orders.Order, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := op(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o, h.Currency))
}

func (h *OrdersHandler) stock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	n, err := h.Service.SellableStock(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StockResp{VariantID: id, Sellable: n})
}

func (h *OrdersHandler) restock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req QuantityReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	v, err := h.Service.Restock(ctx, id, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVariantResp(v))
}
