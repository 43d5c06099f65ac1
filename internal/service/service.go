// Package service реализует бизнес-логику маркетплейса.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/fee"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/gateway"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/model"
	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/repository"
)

const currencyID = "BRL"

// vipFeePercent — доля площадки в VIP-подписке покупателя на магазин.
const vipFeePercent = 10

// Стоимость платных тарифов продавца за месяц, в центах.
var planPriceCents = map[model.PlanTier]int64{
	model.PlanStandard: 2990,
	model.PlanPremium:  4990,
}

// ErrStoreNotLinked возвращается, если у магазина не задан идентификатор
// продавца в шлюзе: без него невозможно разделить платёж.
var (
	ErrStoreNotLinked = errors.New("store has no gateway collector id")
	// ErrEmptyCart возвращается при оформлении заказа без позиций.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidItem возвращается для позиции с некорректным количеством или ценой.
	ErrInvalidItem = errors.New("cart item has invalid quantity or price")
	// ErrFreePlan возвращается при попытке оформить подписку на бесплатный тариф.
	ErrFreePlan = errors.New("free plan does not require a subscription")
	// ErrVIPUnavailable возвращается, если магазин не продаёт VIP-подписку.
	ErrVIPUnavailable = errors.New("store has no vip subscription price")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateStore(ctx context.Context, s *model.Store) (int64, error)
	GetStore(ctx context.Context, id int64) (*model.Store, error)
	GetStoreByOwner(ctx context.Context, ownerID int64) (*model.Store, error)
	UpdateStorePlan(ctx context.Context, storeID int64, plan model.PlanTier) error
	CreateOrder(ctx context.Context, o *model.Order, items []model.OrderItem) (int64, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error)
	ApplyPaymentUpdate(ctx context.Context, p repository.ApplyPaymentParams) (*repository.PaymentApplyResult, error)
	CreateCashout(ctx context.Context, storeID int64, amountCents int64) error
	GetStoreBalance(ctx context.Context, storeID int64) (int64, error)
	GetTransactionsByStore(ctx context.Context, storeID int64) ([]model.Transaction, error)
	UpsertSubscription(ctx context.Context, s *model.Subscription) error
	GetSubscriptionsExpiringBefore(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, preapprovalID, status string, expiresAt time.Time) error
}

// Gateway описывает операции платёжного шлюза, используемые сервисом.
type Gateway interface {
	CreatePreference(ctx context.Context, req *gateway.PreferenceRequest) (*gateway.Preference, error)
	CreatePreapproval(ctx context.Context, req *gateway.PreapprovalRequest) (*gateway.Preapproval, error)
	GetPayment(ctx context.Context, id string) (*gateway.Payment, error)
	GetPreapproval(ctx context.Context, id string) (*gateway.Preapproval, error)
}

// Service содержит бизнес-логику маркетплейса.
type Service struct {
	repo          Repository
	gateway       Gateway
	logger        *zap.Logger
	publicBaseURL string
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом шлюза.
func NewService(repo Repository, gw Gateway, logger *zap.Logger, publicBaseURL string) *Service {
	return &Service{
		repo:          repo,
		gateway:       gw,
		logger:        logger,
		publicBaseURL: publicBaseURL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateStore создаёт магазин для текущего пользователя.
func (s *Service) CreateStore(ctx context.Context, ownerID int64, name, collectorID string, vipPrice float64) (int64, error) {
	return s.repo.CreateStore(ctx, &model.Store{
		OwnerUserID:   ownerID,
		Name:          name,
		Plan:          model.PlanFree,
		CollectorID:   collectorID,
		VIPPriceCents: model.CentsFromAmount(vipPrice),
	})
}

// CheckoutItem описывает товарную позицию корзины на входе оформления заказа.
type CheckoutItem struct {
	ProductID string
	Title     string
	ImageURL  string
	Quantity  int32
	UnitPrice float64
}

// CheckoutInput описывает корзину, оформляемую покупателем.
type CheckoutInput struct {
	StoreID         int64
	Items           []CheckoutItem
	PayerEmail      string
	ShippingCost    float64
	ShippingAddress string
}

// CheckoutResult содержит данные для перенаправления покупателя на оплату.
type CheckoutResult struct {
	OrderNumber  string
	PreferenceID string
	InitPoint    string
}

// CreateCheckout создаёт заказ в статусе pending и платёжное намерение в шлюзе.
// Заказ сохраняется до обращения к шлюзу, чтобы внешняя ссылка уже существовала
// к моменту прихода уведомления.
func (s *Service) CreateCheckout(ctx context.Context, buyerID int64, in CheckoutInput) (*CheckoutResult, error) {
	if len(in.Items) == 0 {
		return nil, ErrEmptyCart
	}

	var subtotalCents int64
	for _, it := range in.Items {
		if it.Quantity <= 0 || it.UnitPrice <= 0 {
			return nil, ErrInvalidItem
		}
		subtotalCents += int64(it.Quantity) * model.CentsFromAmount(it.UnitPrice)
	}

	store, err := s.repo.GetStore(ctx, in.StoreID)
	if err != nil {
		return nil, err
	}
	if store.CollectorID == "" {
		return nil, fmt.Errorf("%w: store %d", ErrStoreNotLinked, store.ID)
	}

	percent := fee.Percent(store.Plan)
	if store.CommissionOverride != nil {
		percent = *store.CommissionOverride
	}
	feeCents := fee.Amount(subtotalCents, percent)

	shippingCents := model.CentsFromAmount(in.ShippingCost)

	order := &model.Order{
		Number:              uuid.NewString(),
		BuyerID:             buyerID,
		StoreID:             store.ID,
		SubtotalCents:       subtotalCents,
		ShippingCents:       shippingCents,
		MarketplaceFeeCents: feeCents,
		TotalCents:          subtotalCents + shippingCents,
		Status:              model.OrderStatusPending,
		ShippingAddress:     in.ShippingAddress,
	}

	items := make([]model.OrderItem, 0, len(in.Items))
	prefItems := make([]gateway.PreferenceItem, 0, len(in.Items))
	for _, it := range in.Items {
		unitCents := model.CentsFromAmount(it.UnitPrice)
		items = append(items, model.OrderItem{
			ProductID:      it.ProductID,
			Title:          it.Title,
			ImageURL:       it.ImageURL,
			Quantity:       it.Quantity,
			UnitPriceCents: unitCents,
			TotalCents:     int64(it.Quantity) * unitCents,
		})
		prefItems = append(prefItems, gateway.PreferenceItem{
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  model.AmountFromCents(unitCents),
			CurrencyID: currencyID,
		})
	}

	if _, err := s.repo.CreateOrder(ctx, order, items); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	pref, err := s.gateway.CreatePreference(ctx, &gateway.PreferenceRequest{
		Items:             prefItems,
		Payer:             gateway.Payer{Email: in.PayerEmail},
		MarketplaceFee:    model.AmountFromCents(feeCents),
		CollectorID:       store.CollectorID,
		ExternalReference: order.Number,
		BackURLs: gateway.BackURLs{
			Success: s.publicBaseURL + "/checkout/success",
			Failure: s.publicBaseURL + "/checkout/failure",
			Pending: s.publicBaseURL + "/checkout/pending",
		},
		AutoReturn:      "approved",
		NotificationURL: s.publicBaseURL + "/api/webhooks/mercadopago",
		Metadata: map[string]any{
			"seller_id":      store.ID,
			"seller_plan":    string(store.Plan),
			"fee_percentage": percent,
		},
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		OrderNumber:  order.Number,
		PreferenceID: pref.ID,
		InitPoint:    pref.InitPoint,
	}, nil
}

// SubscriptionResult содержит данные для перенаправления плательщика на оформление подписки.
type SubscriptionResult struct {
	SubscriptionID string
	InitPoint      string
}

// CreatePlanSubscription оформляет подписку продавца на платный тариф.
func (s *Service) CreatePlanSubscription(ctx context.Context, userID int64, planName, payerEmail string) (*SubscriptionResult, error) {
	tier := model.ParsePlanTier(planName)
	if tier == model.PlanFree {
		return nil, ErrFreePlan
	}

	priceCents := planPriceCents[tier]

	pre, err := s.gateway.CreatePreapproval(ctx, &gateway.PreapprovalRequest{
		Reason:     "seller plan: " + string(tier),
		PayerEmail: payerEmail,
		AutoRecurring: gateway.AutoRecurring{
			Frequency:         1,
			FrequencyType:     "months",
			TransactionAmount: model.AmountFromCents(priceCents),
			CurrencyID:        currencyID,
		},
		BackURL: s.publicBaseURL + "/account/plan",
	})
	if err != nil {
		return nil, err
	}

	if store, err := s.repo.GetStoreByOwner(ctx, userID); err == nil {
		if err := s.repo.UpdateStorePlan(ctx, store.ID, tier); err != nil {
			s.logger.Error("update store plan", zap.Int64("store", store.ID), zap.Error(err))
		}
	}

	sub := &model.Subscription{
		Kind:          model.SubscriptionPlan,
		UserID:        userID,
		Plan:          tier,
		PreapprovalID: pre.ID,
		AmountCents:   priceCents,
		Status:        pre.Status,
		ExpiresAt:     time.Now().Add(30 * 24 * time.Hour),
	}
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		// Подписка в шлюзе уже создана; потерять её запись нельзя.
		s.logger.Error("persist plan subscription", zap.String("preapproval", pre.ID), zap.Error(err))
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	return &SubscriptionResult{SubscriptionID: pre.ID, InitPoint: pre.InitPoint}, nil
}

// CreateStoreSubscription оформляет VIP-подписку покупателя на магазин.
// Площадка удерживает свою долю из суммы подписки.
func (s *Service) CreateStoreSubscription(ctx context.Context, userID, storeID int64, payerEmail string) (*SubscriptionResult, error) {
	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if store.VIPPriceCents <= 0 {
		return nil, fmt.Errorf("%w: store %d", ErrVIPUnavailable, storeID)
	}

	pre, err := s.gateway.CreatePreapproval(ctx, &gateway.PreapprovalRequest{
		Reason:     "vip subscription: " + store.Name,
		PayerEmail: payerEmail,
		AutoRecurring: gateway.AutoRecurring{
			Frequency:         1,
			FrequencyType:     "months",
			TransactionAmount: model.AmountFromCents(store.VIPPriceCents),
			CurrencyID:        currencyID,
		},
		BackURL: s.publicBaseURL + "/stores/" + strconv.FormatInt(storeID, 10),
	})
	if err != nil {
		return nil, err
	}

	sub := &model.Subscription{
		Kind:          model.SubscriptionVIP,
		UserID:        userID,
		StoreID:       &store.ID,
		PreapprovalID: pre.ID,
		AmountCents:   store.VIPPriceCents,
		FeeCents:      fee.Amount(store.VIPPriceCents, vipFeePercent),
		Status:        pre.Status,
		ExpiresAt:     time.Now().Add(30 * 24 * time.Hour),
	}
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		s.logger.Error("persist vip subscription", zap.String("preapproval", pre.ID), zap.Error(err))
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	return &SubscriptionResult{SubscriptionID: pre.ID, InitPoint: pre.InitPoint}, nil
}

// ProcessPaymentNotification сводит платёжное уведомление с локальным заказом.
// Суммы и статус берутся из авторитетной записи платежа, запрошенной по
// идентификатору, а не из тела уведомления.
func (s *Service) ProcessPaymentNotification(ctx context.Context, paymentID string) error {
	payment, err := s.fetchPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}

	if payment.ExternalReference == "" {
		return fmt.Errorf("payment %s has no external reference: %w", paymentID, repository.ErrOrderNotFound)
	}

	newStatus := model.OrderStatusFromPayment(payment.Status)

	res, err := s.repo.ApplyPaymentUpdate(ctx, repository.ApplyPaymentParams{
		OrderNumber:   payment.ExternalReference,
		PaymentID:     strconv.FormatInt(payment.ID, 10),
		PaymentStatus: payment.Status,
		PaymentMethod: payment.PaymentMethodID,
		NewStatus:     newStatus,
		AmountCents:   model.CentsFromAmount(payment.TransactionAmount),
	})
	if err != nil {
		return fmt.Errorf("apply payment %s: %w", paymentID, err)
	}

	switch {
	case res.Credited:
		s.logger.Info("store balance credited",
			zap.String("order", payment.ExternalReference),
			zap.String("payment", paymentID),
			zap.Int64("net_cents", res.NetCents))
	case !res.Applied:
		s.logger.Info("payment notification skipped",
			zap.String("order", payment.ExternalReference),
			zap.String("payment", paymentID),
			zap.String("payment_status", payment.Status))
	}

	return nil
}

// fetchPayment запрашивает платёж у шлюза, повторяя запрос при 5xx и сетевых сбоях.
func (s *Service) fetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error) {
	var payment *gateway.Payment

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := s.gateway.GetPayment(ctx, paymentID)
		if err != nil {
			var apiErr *gateway.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return err
			}
			return retry.RetryableError(err)
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return payment, nil
}

// GetOrdersByBuyer возвращает список заказов покупателя.
func (s *Service) GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByBuyer(ctx, buyerID)
}

// GetBuyerOrder возвращает заказ покупателя по номеру. Чужой заказ
// неотличим от несуществующего.
func (s *Service) GetBuyerOrder(ctx context.Context, buyerID int64, number string) (*model.Order, error) {
	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

// GetBalance возвращает баланс магазина текущего пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	store, err := s.repo.GetStoreByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}

	balanceCents, err := s.repo.GetStoreBalance(ctx, store.ID)
	if err != nil {
		return nil, err
	}

	return &model.Balance{Current: model.AmountFromCents(balanceCents)}, nil
}

// CreateCashout создаёт запрос на вывод средств магазина текущего пользователя.
func (s *Service) CreateCashout(ctx context.Context, userID int64, amount float64) error {
	amountCents := int64(math.Round(amount * 100))
	if amountCents <= 0 {
		return errors.New("cashout amount must be positive")
	}

	store, err := s.repo.GetStoreByOwner(ctx, userID)
	if err != nil {
		return err
	}

	return s.repo.CreateCashout(ctx, store.ID, amountCents)
}

// GetTransactions возвращает журнал операций магазина текущего пользователя.
func (s *Service) GetTransactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	store, err := s.repo.GetStoreByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetTransactionsByStore(ctx, store.ID)
}

// StartSubscriptionReconciliation запускает фоновую сверку подписок со шлюзом.
// ExpiresAt — мягкий срок: его продление подтверждается состоянием preapproval
// на стороне шлюза, а не фактом оформления.
func (s *Service) StartSubscriptionReconciliation(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileSubscriptionBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcileSubscriptionBatch(ctx context.Context) {
	subs, err := s.repo.GetSubscriptionsExpiringBefore(ctx, time.Now().Add(48*time.Hour), 100)
	if err != nil {
		s.logger.Error("select expiring subscriptions", zap.Error(err))
		return
	}

	for _, sub := range subs {
		pre, err := s.gateway.GetPreapproval(ctx, sub.PreapprovalID)
		if err != nil {
			s.logger.Warn("get preapproval", zap.String("preapproval", sub.PreapprovalID), zap.Error(err))
			continue
		}

		switch pre.Status {
		case "authorized":
			expiresAt := time.Now().Add(30 * 24 * time.Hour)
			if err := s.repo.UpdateSubscriptionStatus(ctx, sub.PreapprovalID, pre.Status, expiresAt); err != nil {
				s.logger.Error("extend subscription", zap.String("preapproval", sub.PreapprovalID), zap.Error(err))
			}
		case "cancelled", "paused":
			if err := s.repo.UpdateSubscriptionStatus(ctx, sub.PreapprovalID, pre.Status, sub.ExpiresAt); err != nil {
				s.logger.Error("deactivate subscription", zap.String("preapproval", sub.PreapprovalID), zap.Error(err))
				continue
			}
			if sub.Kind == model.SubscriptionPlan {
				if store, err := s.repo.GetStoreByOwner(ctx, sub.UserID); err == nil {
					if err := s.repo.UpdateStorePlan(ctx, store.ID, model.PlanFree); err != nil {
						s.logger.Error("downgrade store plan", zap.Int64("store", store.ID), zap.Error(err))
					}
				}
			}
		}
	}
}
