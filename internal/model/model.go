// Package model содержит доменные сущности маркетплейса.
package model

import (
	"math"
	"strings"
	"time"
)

// User представляет зарегистрированного пользователя маркетплейса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// PlanTier описывает тариф подписки продавца.
type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanStandard PlanTier = "standard"
	PlanPremium  PlanTier = "premium"
)

// planAliases сводит исторические названия тарифов к каноническим.
var planAliases = map[string]PlanTier{
	"free":     PlanFree,
	"standard": PlanStandard,
	"mid":      PlanStandard,
	"premium":  PlanPremium,
	"master":   PlanPremium,
}

// ParsePlanTier нормализует название тарифа. Неизвестное или пустое значение
// трактуется как free — тариф с максимальной комиссией.
func ParsePlanTier(s string) PlanTier {
	if tier, ok := planAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return tier
	}
	return PlanFree
}

// Store описывает магазин продавца.
type Store struct {
	ID                 int64
	OwnerUserID        int64
	Name               string
	Plan               PlanTier
	CommissionOverride *int
	CollectorID        string
	BalanceCents       int64
	VIPPriceCents      int64
	CreatedAt          time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// orderTransitions задаёт решётку допустимых переходов статуса заказа.
// Статусы delivered, cancelled и refunded терминальные.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
}

// CanTransition сообщает, допустим ли переход заказа из текущего статуса в to.
// Запоздалое уведомление, откатывающее заказ назад (например pending после
// paid), решёткой не пропускается.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OrderStatusFromPayment переводит статус платежа шлюза в статус заказа.
// Функция тотальна: неизвестный статус трактуется как pending.
func OrderStatusFromPayment(paymentStatus string) OrderStatus {
	switch paymentStatus {
	case "approved":
		return OrderStatusPaid
	case "pending", "in_process":
		return OrderStatusPending
	case "rejected", "cancelled":
		return OrderStatusCancelled
	case "refunded":
		return OrderStatusRefunded
	default:
		return OrderStatusPending
	}
}

// Order описывает покупку одного покупателя в одном магазине.
// Финансовая запись: заказы никогда не удаляются.
type Order struct {
	ID                  int64
	Number              string
	BuyerID             int64
	StoreID             int64
	SubtotalCents       int64
	ShippingCents       int64
	MarketplaceFeeCents int64
	TotalCents          int64
	Status              OrderStatus
	PaymentID           *string
	PaymentStatus       *string
	PaymentMethod       *string
	ShippingAddress     string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// OrderItem хранит неизменяемый снимок товарной позиции на момент покупки.
// Снимок защищает заказ от последующего редактирования или удаления товара.
type OrderItem struct {
	ID             int64
	OrderID        int64
	ProductID      string
	Title          string
	ImageURL       string
	Quantity       int32
	UnitPriceCents int64
	TotalCents     int64
}

// TransactionType описывает тип записи в журнале операций магазина.
type TransactionType string

const (
	TransactionSale    TransactionType = "sale"
	TransactionCashout TransactionType = "cashout"
)

// Transaction — неизменяемая запись о событии, повлиявшем на баланс магазина.
// Журнал append-only: сумма net продаж минус сумма выводов равна текущему балансу.
type Transaction struct {
	ID         int64
	StoreID    int64
	OrderID    *int64
	Type       TransactionType
	GrossCents int64
	FeeCents   int64
	NetCents   int64
	Status     string
	PaymentID  *string
	CreatedAt  time.Time
}

// SubscriptionKind различает подписку продавца на тариф и VIP-подписку
// покупателя на магазин.
type SubscriptionKind string

const (
	SubscriptionPlan SubscriptionKind = "plan"
	SubscriptionVIP  SubscriptionKind = "vip"
)

// Subscription описывает регулярное списание, оформленное через шлюз.
// ExpiresAt — мягкий срок действия для интерфейса; авторитетный статус
// подтверждается фоновой сверкой со шлюзом.
type Subscription struct {
	ID            int64
	Kind          SubscriptionKind
	UserID        int64
	StoreID       *int64
	Plan          PlanTier
	PreapprovalID string
	AmountCents   int64
	FeeCents      int64
	Status        string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Balance содержит доступный баланс магазина.
type Balance struct {
	Current float64 `json:"current"`
}

// AmountFromCents переводит сумму из центов в денежное значение с двумя знаками.
func AmountFromCents(cents int64) float64 {
	return float64(cents) / 100
}

// CentsFromAmount переводит денежное значение в центы с округлением до цента.
func CentsFromAmount(v float64) int64 {
	return int64(math.Round(v * 100))
}
