package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/gateway"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/middleware"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/model"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/repository"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/service"
)

// stubService подменяет бизнес-логику: каждый метод возвращает заранее
// заданный результат и фиксирует факт вызова.
type stubService struct {
	registerID int64
	authID     int64
	authErr    error

	checkoutResult *service.CheckoutResult
	checkoutErr    error
	checkoutCalls  int

	notificationErr   error
	notifiedPaymentID string
	notificationCalls int

	orders   []model.Order
	order    *model.Order
	orderErr error
	balance  *model.Balance

	cashoutErr error

	subResult *service.SubscriptionResult
	subErr    error
}

func (s *stubService) RegisterUser(_ context.Context, login, password string) (int64, error) {
	return s.registerID, nil
}

func (s *stubService) AuthenticateUser(_ context.Context, login, password string) (int64, error) {
	return s.authID, s.authErr
}

func (s *stubService) CreateStore(_ context.Context, ownerID int64, name, collectorID string, vipPrice float64) (int64, error) {
	return 1, nil
}

func (s *stubService) CreateCheckout(_ context.Context, buyerID int64, in service.CheckoutInput) (*service.CheckoutResult, error) {
	s.checkoutCalls++
	return s.checkoutResult, s.checkoutErr
}

func (s *stubService) CreatePlanSubscription(_ context.Context, userID int64, plan, payerEmail string) (*service.SubscriptionResult, error) {
	return s.subResult, s.subErr
}

func (s *stubService) CreateStoreSubscription(_ context.Context, userID, storeID int64, payerEmail string) (*service.SubscriptionResult, error) {
	return s.subResult, s.subErr
}

func (s *stubService) ProcessPaymentNotification(_ context.Context, paymentID string) error {
	s.notificationCalls++
	s.notifiedPaymentID = paymentID
	return s.notificationErr
}

func (s *stubService) GetOrdersByBuyer(_ context.Context, buyerID int64) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubService) GetBuyerOrder(_ context.Context, buyerID int64, number string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetBalance(_ context.Context, userID int64) (*model.Balance, error) {
	return s.balance, nil
}

func (s *stubService) CreateCashout(_ context.Context, userID int64, amount float64) error {
	return s.cashoutErr
}

func (s *stubService) GetTransactions(_ context.Context, userID int64) ([]model.Transaction, error) {
	return nil, nil
}

func newTestHandler(svc *stubService) (*Handler, *middleware.AuthMiddleware) {
	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(svc, zap.NewNop(), auth), auth
}

// authCookie выпускает валидный cookie авторизации для указанного пользователя.
func authCookie(auth *middleware.AuthMiddleware, userID int64) *http.Cookie {
	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID)
	return rec.Result().Cookies()[0]
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		svcErr    error
		wantCalls int
		wantID    string
	}{
		{
			name:      "payment notification",
			body:      `{"type":"payment","data":{"id":"123"}}`,
			wantCalls: 1,
			wantID:    "123",
		},
		{
			name:      "numeric payment id",
			body:      `{"type":"payment","data":{"id":456}}`,
			wantCalls: 1,
			wantID:    "456",
		},
		{
			name:      "other notification type",
			body:      `{"type":"merchant_order","data":{"id":"123"}}`,
			wantCalls: 0,
		},
		{
			name:      "malformed payload",
			body:      `{"type":`,
			wantCalls: 0,
		},
		{
			name:      "missing payment id",
			body:      `{"type":"payment","data":{}}`,
			wantCalls: 0,
		},
		{
			name:      "unknown order is still acknowledged",
			body:      `{"type":"payment","data":{"id":"777"}}`,
			svcErr:    repository.ErrOrderNotFound,
			wantCalls: 1,
			wantID:    "777",
		},
		{
			name:      "internal error is still acknowledged",
			body:      `{"type":"payment","data":{"id":"888"}}`,
			svcErr:    repository.ErrPaymentConflict,
			wantCalls: 1,
			wantID:    "888",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{notificationErr: tt.svcErr}
			h, _ := newTestHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/mercadopago", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.Webhook(rec, req)

			// Шлюзу всегда отвечаем 200, иначе он будет повторять доставку.
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
				t.Errorf("body = %q", got)
			}
			if svc.notificationCalls != tt.wantCalls {
				t.Errorf("notification calls = %d, want %d", svc.notificationCalls, tt.wantCalls)
			}
			if tt.wantID != "" && svc.notifiedPaymentID != tt.wantID {
				t.Errorf("payment id = %q, want %q", svc.notifiedPaymentID, tt.wantID)
			}
		})
	}
}

func TestCreateCheckout(t *testing.T) {
	validBody := `{"store_id":1,"items":[{"product_id":"p1","title":"item","quantity":1,"unit_price":10.00}],"payer_email":"buyer@example.com"}`

	tests := []struct {
		name        string
		body        string
		checkoutErr error
		wantStatus  int
		wantCalls   int
	}{
		{
			name:       "success",
			body:       validBody,
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "missing store",
			body:       `{"items":[{"product_id":"p1","title":"item","quantity":1,"unit_price":10.00}],"payer_email":"b@example.com"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty items",
			body:       `{"store_id":1,"items":[],"payer_email":"b@example.com"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid email",
			body:       `{"store_id":1,"items":[{"product_id":"p1","title":"item","quantity":1,"unit_price":10.00}],"payer_email":"not-an-email"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid unit price",
			body:       `{"store_id":1,"items":[{"product_id":"p1","title":"item","quantity":1,"unit_price":10.001}],"payer_email":"b@example.com"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:        "store not linked",
			body:        validBody,
			checkoutErr: service.ErrStoreNotLinked,
			wantStatus:  http.StatusUnprocessableEntity,
			wantCalls:   1,
		},
		{
			name:        "unknown store",
			body:        validBody,
			checkoutErr: repository.ErrStoreNotFound,
			wantStatus:  http.StatusNotFound,
			wantCalls:   1,
		},
		{
			name:        "gateway failure",
			body:        validBody,
			checkoutErr: &gateway.APIError{StatusCode: 500, Body: "internal"},
			wantStatus:  http.StatusBadGateway,
			wantCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				checkoutResult: &service.CheckoutResult{
					OrderNumber:  "order-1",
					PreferenceID: "pref-1",
					InitPoint:    "https://gw.test/init",
				},
				checkoutErr: tt.checkoutErr,
			}
			h, auth := newTestHandler(svc)
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.AddCookie(authCookie(auth, 42))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if svc.checkoutCalls != tt.wantCalls {
				t.Errorf("service calls = %d, want %d", svc.checkoutCalls, tt.wantCalls)
			}
			if tt.wantStatus == http.StatusOK && !strings.Contains(rec.Body.String(), `"preference_id":"pref-1"`) {
				t.Errorf("body = %q, want preference id", rec.Body.String())
			}
		})
	}
}

func TestCreateCheckoutUnauthorized(t *testing.T) {
	svc := &stubService{}
	h, _ := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if svc.checkoutCalls != 0 {
		t.Errorf("service was called without authentication")
	}
}

func TestCashout(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
	}{
		{name: "success", body: `{"amount":50.00}`, wantStatus: http.StatusOK},
		{name: "insufficient balance", body: `{"amount":500.00}`, svcErr: repository.ErrInsufficientBalance, wantStatus: http.StatusPaymentRequired},
		{name: "no store", body: `{"amount":50.00}`, svcErr: repository.ErrStoreNotFound, wantStatus: http.StatusNotFound},
		{name: "invalid amount", body: `{"amount":-1}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{cashoutErr: tt.svcErr}
			h, auth := newTestHandler(svc)
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodPost, "/api/store/cashout", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.AddCookie(authCookie(auth, 42))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestCreatePlanSubscription(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
	}{
		{name: "success", body: `{"plan":"premium","payer_email":"s@example.com"}`, wantStatus: http.StatusOK},
		{name: "free plan", body: `{"plan":"free","payer_email":"s@example.com"}`, svcErr: service.ErrFreePlan, wantStatus: http.StatusUnprocessableEntity},
		{name: "invalid email", body: `{"plan":"premium","payer_email":"nope"}`, wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				subResult: &service.SubscriptionResult{SubscriptionID: "pre-1", InitPoint: "https://gw.test/init"},
				subErr:    tt.svcErr,
			}
			h, auth := newTestHandler(svc)
			router := h.SetupRouter()

			req := httptest.NewRequest(http.MethodPost, "/api/subscriptions/plan", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.AddCookie(authCookie(auth, 42))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetOrders(t *testing.T) {
	svc := &stubService{
		orders: []model.Order{
			{Number: "order-1", Status: model.OrderStatusPaid, SubtotalCents: 10000, MarketplaceFeeCents: 1000, TotalCents: 10000},
		},
	}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders", nil)
	req.AddCookie(authCookie(auth, 42))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"number":"order-1"`) || !strings.Contains(body, `"marketplace_fee":10`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestGetOrder(t *testing.T) {
	svc := &stubService{
		order: &model.Order{Number: "order-1", Status: model.OrderStatusPaid, TotalCents: 11250},
	}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders/order-1", nil)
	req.AddCookie(authCookie(auth, 42))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"paid"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestGetOrderNotFound(t *testing.T) {
	svc := &stubService{orderErr: repository.ErrOrderNotFound}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders/unknown", nil)
	req.AddCookie(authCookie(auth, 42))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetOrdersEmpty(t *testing.T) {
	h, auth := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders", nil)
	req.AddCookie(authCookie(auth, 42))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestCreateStore(t *testing.T) {
	h, auth := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/store", strings.NewReader(`{"name":"shop","collector_id":"MP-1","vip_price":19.90}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(authCookie(auth, 42))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc := &stubService{registerID: 7, authID: 7}
	h, _ := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", strings.NewReader(`{"login":"seller","password":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200", rec.Code)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Error("register did not set auth cookie")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/user/login", strings.NewReader(`{"login":"seller"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("login without password status = %d, want 400", rec.Code)
	}
}
