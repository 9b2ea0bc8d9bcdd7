// Package handler содержит HTTP-обработчики платёжного API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ddcrlabs/paygate-system/internal/middleware"
	"github.com/ddcrlabs/paygate-system/internal/model"
	"github.com/ddcrlabs/paygate-system/internal/service"
	"github.com/ddcrlabs/paygate-system/internal/store"
	"github.com/ddcrlabs/paygate-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, skuID, principal string) (*model.Order, error)
	Settle(ctx context.Context, subAccount string) error
	PlayerTickets(ctx context.Context, principal string) (int64, error)
}

// Handler реализует HTTP-обработчики платёжного API.
type Handler struct {
	service  Service
	verifier *middleware.SignVerifier
	logger   *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, verifier *middleware.SignVerifier, logger *zap.Logger) *Handler {
	return &Handler{
		service:  s,
		verifier: verifier,
		logger:   logger,
	}
}

// payResponse — общий конверт ответов платёжного API.
// code 0 — успех, -1 — отказ с человекочитаемым msg.
type payResponse struct {
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
	SubAccount string `json:"subAccount,omitempty"`
	Money      int64  `json:"money,omitempty"`
	Address    string `json:"address,omitempty"`
	Tickets    int64  `json:"tickets,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp payResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("write response", zap.Error(err))
	}
}

func (h *Handler) reject(w http.ResponseWriter, msg string) {
	h.writeJSON(w, payResponse{Code: -1, Msg: msg})
}

// CreateOrder создаёт заказ на покупку по паре payId+principal.
// Подпись запроса: md5(payId + principal + ключ).
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payID := q.Get("payId")
	principal := q.Get("principal")
	sign := q.Get("sign")

	// Principal плательщика — непрозрачный идентификатор из игры;
	// здесь он только сохраняется с заказом, формат не разбирается.
	if payID == "" || !validation.IsValidPayerPrincipal(principal) {
		h.reject(w, "principal error")
		return
	}

	if err := h.verifier.Verify(r.Context(), sign, payID, principal); err != nil {
		if errors.Is(err, middleware.ErrBadSignature) {
			h.reject(w, "sign error")
			return
		}
		h.logger.Error("verify sign", zap.Error(err))
		h.reject(w, "internal error")
		return
	}

	order, err := h.service.CreateOrder(r.Context(), payID, principal)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSKU) {
			h.reject(w, "unknown sku")
			return
		}
		h.logger.Error("create order", zap.Error(err))
		h.reject(w, "internal error")
		return
	}

	h.writeJSON(w, payResponse{
		Code:       0,
		SubAccount: order.SubAccount,
		Money:      order.AmountE8s,
		Address:    order.Address,
	})
}

// ConfirmPayment проверяет оплату заказа и при успехе начисляет награду.
// Повторное подтверждение рассчитанного заказа идемпотентно возвращает успех.
// Подпись запроса: md5(subAccount + ключ).
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subAccount := q.Get("subAccount")
	sign := q.Get("sign")

	if !validation.IsValidSubAccountKey(subAccount) {
		h.reject(w, "subAccount error")
		return
	}

	if err := h.verifier.Verify(r.Context(), sign, subAccount); err != nil {
		if errors.Is(err, middleware.ErrBadSignature) {
			h.reject(w, "sign error")
			return
		}
		h.logger.Error("verify sign", zap.Error(err))
		h.reject(w, "internal error")
		return
	}

	err := h.service.Settle(r.Context(), subAccount)
	switch {
	case err == nil:
		h.writeJSON(w, payResponse{Code: 0})
	case errors.Is(err, store.ErrOrderNotFound):
		h.reject(w, "order not found")
	case errors.Is(err, service.ErrBalanceNotEnough):
		h.reject(w, "balance not enough")
	case errors.Is(err, service.ErrOrderFailed):
		h.reject(w, "order failed")
	case errors.Is(err, service.ErrRetryLater):
		h.reject(w, "ledger unavailable")
	default:
		h.logger.Error("confirm payment", zap.Error(err))
		h.reject(w, "internal error")
	}
}

// PlayerTickets возвращает суммарное число билетов, начисленных игроку.
// Игрок без начислений — это ноль билетов, не ошибка.
// Подпись запроса: md5(principal + ключ).
func (h *Handler) PlayerTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	principal := q.Get("principal")
	sign := q.Get("sign")

	if !validation.IsValidPayerPrincipal(principal) {
		h.reject(w, "principal error")
		return
	}

	if err := h.verifier.Verify(r.Context(), sign, principal); err != nil {
		if errors.Is(err, middleware.ErrBadSignature) {
			h.reject(w, "sign error")
			return
		}
		h.logger.Error("verify sign", zap.Error(err))
		h.reject(w, "internal error")
		return
	}

	tickets, err := h.service.PlayerTickets(r.Context(), principal)
	if err != nil {
		h.logger.Error("player tickets", zap.Error(err))
		h.reject(w, "internal error")
		return
	}

	h.writeJSON(w, payResponse{Code: 0, Tickets: tickets})
}

// Healthz — проверка живости сервиса.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
