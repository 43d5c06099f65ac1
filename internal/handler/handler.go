// Package handler содержит HTTP-обработчики API маркетплейса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/gateway"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/middleware"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/model"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/repository"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/service"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateStore(ctx context.Context, ownerID int64, name, collectorID string, vipPrice float64) (int64, error)
	CreateCheckout(ctx context.Context, buyerID int64, in service.CheckoutInput) (*service.CheckoutResult, error)
	CreatePlanSubscription(ctx context.Context, userID int64, plan, payerEmail string) (*service.SubscriptionResult, error)
	CreateStoreSubscription(ctx context.Context, userID, storeID int64, payerEmail string) (*service.SubscriptionResult, error)
	ProcessPaymentNotification(ctx context.Context, paymentID string) error
	GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error)
	GetBuyerOrder(ctx context.Context, buyerID int64, number string) (*model.Order, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	CreateCashout(ctx context.Context, userID int64, amount float64) error
	GetTransactions(ctx context.Context, userID int64) ([]model.Transaction, error)
}

// Handler реализует HTTP-обработчики API маркетплейса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type webhookRequest struct {
	Type string `json:"type"`
	Data struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// Webhook принимает асинхронные уведомления платёжного шлюза.
// Шлюзу всегда отвечаем 200: повторная доставка не исправит внутреннюю
// ошибку, а лишь породит дубликаты, которые поглотит защита от повторов.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("malformed webhook payload", zap.Error(err))
		writeAck(w)
		return
	}

	// Уведомления других типов (merchant_order и т.п.) игнорируются.
	if req.Type != "payment" {
		writeAck(w)
		return
	}

	paymentID := req.Data.ID.String()
	if paymentID == "" {
		h.logger.Warn("webhook without payment id")
		writeAck(w)
		return
	}

	if err := h.service.ProcessPaymentNotification(r.Context(), paymentID); err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			h.logger.Warn("payment notification for unknown order",
				zap.String("payment", paymentID), zap.Error(err))
		case errors.Is(err, repository.ErrPaymentConflict):
			h.logger.Error("payment id conflict, manual reconciliation required",
				zap.String("payment", paymentID), zap.Error(err))
		default:
			h.logger.Error("process payment notification",
				zap.String("payment", paymentID), zap.Error(err))
		}
	}

	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type checkoutItemRequest struct {
	ProductID string  `json:"product_id"`
	Title     string  `json:"title"`
	ImageURL  string  `json:"image_url"`
	Quantity  int32   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type checkoutRequest struct {
	StoreID         int64                 `json:"store_id"`
	Items           []checkoutItemRequest `json:"items"`
	PayerEmail      string                `json:"payer_email"`
	ShippingCost    float64               `json:"shipping_cost"`
	ShippingAddress string                `json:"shipping_address"`
}

type checkoutResponse struct {
	OrderNumber  string `json:"order_number"`
	PreferenceID string `json:"preference_id"`
	InitPoint    string `json:"init_point"`
}

// CreateCheckout оформляет корзину текущего покупателя и возвращает ссылку на оплату.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.StoreID == 0 || len(req.Items) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidEmail(req.PayerEmail) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	for _, it := range req.Items {
		if it.Quantity <= 0 || !validation.IsValidAmount(it.UnitPrice) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
	}

	items := make([]service.CheckoutItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.CheckoutItem{
			ProductID: it.ProductID,
			Title:     it.Title,
			ImageURL:  it.ImageURL,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	res, err := h.service.CreateCheckout(r.Context(), buyerID, service.CheckoutInput{
		StoreID:         req.StoreID,
		Items:           items,
		PayerEmail:      req.PayerEmail,
		ShippingCost:    req.ShippingCost,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	writeJSON(w, h.logger, checkoutResponse{
		OrderNumber:  res.OrderNumber,
		PreferenceID: res.PreferenceID,
		InitPoint:    res.InitPoint,
	})
}

// writeCheckoutError переводит ошибки оформления в HTTP-статусы.
// Ошибки конфигурации видны инициатору как 4xx, ошибки шлюза — как 502.
func (h *Handler) writeCheckoutError(w http.ResponseWriter, err error) {
	var apiErr *gateway.APIError

	switch {
	case errors.Is(err, service.ErrStoreNotLinked),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidItem),
		errors.Is(err, service.ErrFreePlan),
		errors.Is(err, service.ErrVIPUnavailable):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrStoreNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.As(err, &apiErr):
		h.logger.Error("gateway error", zap.Int("status", apiErr.StatusCode), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("checkout error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type planSubscriptionRequest struct {
	Plan       string `json:"plan"`
	PayerEmail string `json:"payer_email"`
}

type vipSubscriptionRequest struct {
	StoreID    int64  `json:"store_id"`
	PayerEmail string `json:"payer_email"`
}

type subscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
	InitPoint      string `json:"init_point"`
}

// CreatePlanSubscription оформляет подписку текущего продавца на платный тариф.
func (h *Handler) CreatePlanSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req planSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidEmail(req.PayerEmail) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	res, err := h.service.CreatePlanSubscription(r.Context(), userID, req.Plan, req.PayerEmail)
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	writeJSON(w, h.logger, subscriptionResponse{
		SubscriptionID: res.SubscriptionID,
		InitPoint:      res.InitPoint,
	})
}

// CreateStoreSubscription оформляет VIP-подписку текущего покупателя на магазин.
func (h *Handler) CreateStoreSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req vipSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.StoreID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidEmail(req.PayerEmail) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	res, err := h.service.CreateStoreSubscription(r.Context(), userID, req.StoreID, req.PayerEmail)
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	writeJSON(w, h.logger, subscriptionResponse{
		SubscriptionID: res.SubscriptionID,
		InitPoint:      res.InitPoint,
	})
}

type createStoreRequest struct {
	Name        string  `json:"name"`
	CollectorID string  `json:"collector_id"`
	VIPPrice    float64 `json:"vip_price"`
}

// CreateStore создаёт магазин для текущего пользователя.
func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateStore(r.Context(), userID, req.Name, req.CollectorID, req.VIPPrice)
	if err != nil {
		h.logger.Error("create store error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
}

type orderResponse struct {
	Number         string  `json:"number"`
	Status         string  `json:"status"`
	Subtotal       float64 `json:"subtotal"`
	ShippingCost   float64 `json:"shipping_cost"`
	MarketplaceFee float64 `json:"marketplace_fee"`
	Total          float64 `json:"total"`
	PaymentStatus  *string `json:"payment_status,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// GetOrders возвращает список заказов текущего покупателя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByBuyer(r.Context(), buyerID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", buyerID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderResponse{
			Number:         o.Number,
			Status:         string(o.Status),
			Subtotal:       model.AmountFromCents(o.SubtotalCents),
			ShippingCost:   model.AmountFromCents(o.ShippingCents),
			MarketplaceFee: model.AmountFromCents(o.MarketplaceFeeCents),
			Total:          model.AmountFromCents(o.TotalCents),
			PaymentStatus:  o.PaymentStatus,
			CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, h.logger, resp)
}

// GetOrder возвращает заказ текущего покупателя по номеру. Страницы
// возврата из шлюза опрашивают этот маршрут, пока заказ не оплачен.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := chi.URLParam(r, "number")

	order, err := h.service.GetBuyerOrder(r.Context(), buyerID, number)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("number", number))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, orderResponse{
		Number:         order.Number,
		Status:         string(order.Status),
		Subtotal:       model.AmountFromCents(order.SubtotalCents),
		ShippingCost:   model.AmountFromCents(order.ShippingCents),
		MarketplaceFee: model.AmountFromCents(order.MarketplaceFeeCents),
		Total:          model.AmountFromCents(order.TotalCents),
		PaymentStatus:  order.PaymentStatus,
		CreatedAt:      order.CreatedAt.Format(time.RFC3339),
	})
}

// GetBalance возвращает баланс магазина текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, balance)
}

type cashoutRequest struct {
	Amount float64 `json:"amount"`
}

// Cashout создаёт операцию вывода средств для магазина текущего пользователя.
func (h *Handler) Cashout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cashoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.CreateCashout(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		if errors.Is(err, repository.ErrStoreNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("cashout error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type transactionResponse struct {
	Type      string  `json:"type"`
	Gross     float64 `json:"gross"`
	Fee       float64 `json:"fee"`
	Net       float64 `json:"net"`
	OrderID   *int64  `json:"order_id,omitempty"`
	PaymentID *string `json:"payment_id,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// GetTransactions возвращает журнал операций магазина текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.GetTransactions(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, tr := range transactions {
		resp = append(resp, transactionResponse{
			Type:      string(tr.Type),
			Gross:     model.AmountFromCents(tr.GrossCents),
			Fee:       model.AmountFromCents(tr.FeeCents),
			Net:       model.AmountFromCents(tr.NetCents),
			OrderID:   tr.OrderID,
			PaymentID: tr.PaymentID,
			CreatedAt: tr.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, h.logger, resp)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", zap.Error(err))
	}
}
