package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/dias1032/v0-marketplaceecommerce-sub001/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware маркетплейса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	// Один обработчик уведомлений на оба маршрута: таблица соответствия
	// статусов существует в единственном экземпляре.
	r.Post("/webhook", h.Webhook)
	r.Post("/api/webhooks/mercadopago", h.Webhook)

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/orders", h.GetOrders)
			r.Get("/orders/{number}", h.GetOrder)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/api/checkout", h.CreateCheckout)

		r.Post("/api/subscriptions/plan", h.CreatePlanSubscription)
		r.Post("/api/subscriptions/vip", h.CreateStoreSubscription)

		r.Post("/api/store", h.CreateStore)
		r.Get("/api/store/balance", h.GetBalance)
		r.Post("/api/store/cashout", h.Cashout)
		r.Get("/api/store/transactions", h.GetTransactions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
