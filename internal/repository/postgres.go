// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dias1032/v0-marketplaceecommerce-sub001/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrStoreNotFound возвращается, если магазин не найден.
	ErrStoreNotFound = errors.New("store not found")
	// ErrOrderNotFound возвращается, если заказ по внешней ссылке не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentConflict возвращается, если за заказом уже закреплён другой платёж.
	ErrPaymentConflict = errors.New("order already bound to another payment")
	// ErrInsufficientBalance возвращается при попытке вывода суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")

	errDuplicateLedgerEntry = errors.New("duplicate ledger entry")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только ошибки сериализации и взаимоблокировки:
		// переподключения pgxpool берёт на себя.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateStore создаёт магазин продавца.
func (r *PostgresRepository) CreateStore(ctx context.Context, s *model.Store) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO stores (owner_user_id, name, plan, collector_id, vip_price)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		s.OwnerUserID, s.Name, string(s.Plan), s.CollectorID, s.VIPPriceCents,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create store: %w", err)
	}
	return id, nil
}

func scanStore(row pgx.Row) (*model.Store, error) {
	var (
		s    model.Store
		plan string
	)
	err := row.Scan(&s.ID, &s.OwnerUserID, &s.Name, &plan, &s.CommissionOverride,
		&s.CollectorID, &s.BalanceCents, &s.VIPPriceCents, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("scan store: %w", err)
	}
	s.Plan = model.ParsePlanTier(plan)
	return &s, nil
}

const storeColumns = `id, owner_user_id, name, plan, commission_override, collector_id, balance, vip_price, created_at`

// GetStore возвращает магазин по идентификатору.
func (r *PostgresRepository) GetStore(ctx context.Context, id int64) (*model.Store, error) {
	return scanStore(r.pool.QueryRow(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE id = $1`, id))
}

// GetStoreByOwner возвращает магазин по идентификатору владельца.
func (r *PostgresRepository) GetStoreByOwner(ctx context.Context, ownerID int64) (*model.Store, error) {
	return scanStore(r.pool.QueryRow(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE owner_user_id = $1`, ownerID))
}

// UpdateStorePlan меняет тариф магазина.
func (r *PostgresRepository) UpdateStorePlan(ctx context.Context, storeID int64, plan model.PlanTier) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stores SET plan = $2 WHERE id = $1`,
		storeID, string(plan),
	)
	if err != nil {
		return fmt.Errorf("update store plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

// CreateOrder сохраняет заказ вместе со снимками позиций в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order, items []model.OrderItem) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (number, buyer_id, store_id, subtotal, shipping_cost, marketplace_fee, total, status, shipping_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		o.Number, o.BuyerID, o.StoreID, o.SubtotalCents, o.ShippingCents,
		o.MarketplaceFeeCents, o.TotalCents, string(o.Status), o.ShippingAddress,
	).Scan(&orderID)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	for _, it := range items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, product_id, title, image_url, quantity, unit_price, total_price)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			orderID, it.ProductID, it.Title, it.ImageURL, it.Quantity, it.UnitPriceCents, it.TotalCents,
		)
		if err != nil {
			return 0, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return orderID, nil
}

// GetOrderByNumber возвращает заказ по его номеру (внешней ссылке шлюза).
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, number, buyer_id, store_id, subtotal, shipping_cost, marketplace_fee, total,
		        status, payment_id, payment_status, payment_method, shipping_address, created_at, updated_at
		 FROM orders WHERE number = $1`,
		number,
	)

	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.Number, &o.BuyerID, &o.StoreID, &o.SubtotalCents, &o.ShippingCents,
		&o.MarketplaceFeeCents, &o.TotalCents, &status, &o.PaymentID, &o.PaymentStatus,
		&o.PaymentMethod, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	return &o, nil
}

// GetOrdersByBuyer возвращает список заказов покупателя.
func (r *PostgresRepository) GetOrdersByBuyer(ctx context.Context, buyerID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, store_id, subtotal, shipping_cost, marketplace_fee, total,
		        status, payment_status, created_at
		 FROM orders
		 WHERE buyer_id = $1
		 ORDER BY created_at DESC`,
		buyerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o      model.Order
			status string
		)
		if err := rows.Scan(&o.ID, &o.Number, &o.StoreID, &o.SubtotalCents, &o.ShippingCents,
			&o.MarketplaceFeeCents, &o.TotalCents, &status, &o.PaymentStatus, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.BuyerID = buyerID
		o.Status = model.OrderStatus(status)
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ApplyPaymentParams описывает применение платёжного уведомления к заказу.
type ApplyPaymentParams struct {
	OrderNumber   string
	PaymentID     string
	PaymentStatus string
	PaymentMethod string
	NewStatus     model.OrderStatus
	AmountCents   int64
}

// PaymentApplyResult сообщает, что именно изменило применение уведомления.
type PaymentApplyResult struct {
	Applied  bool
	Credited bool
	NetCents int64
}

// ApplyPaymentUpdate атомарно применяет платёжное уведомление: обновляет статус
// заказа и при первом переходе в paid записывает продажу в журнал и пополняет
// баланс магазина. Повторные и запоздалые уведомления поглощаются без изменений.
func (r *PostgresRepository) ApplyPaymentUpdate(ctx context.Context, p ApplyPaymentParams) (*PaymentApplyResult, error) {
	res := &PaymentApplyResult{}

	err := r.withRetry(ctx, func() error {
		*res = PaymentApplyResult{}
		return r.applyPaymentUpdate(ctx, p, res)
	})
	if errors.Is(err, errDuplicateLedgerEntry) {
		// Нарушение уникальности (order_id, payment_id) — продажа уже учтена.
		// Это штатный механизм идемпотентности, а не ошибка.
		return &PaymentApplyResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (r *PostgresRepository) applyPaymentUpdate(ctx context.Context, p ApplyPaymentParams, res *PaymentApplyResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокировка строки заказа сериализует конкурирующие доставки
	// уведомлений по одному и тому же заказу.
	var (
		orderID   int64
		storeID   int64
		status    string
		paymentID *string
		feeCents  int64
	)
	err = tx.QueryRow(ctx,
		`SELECT id, store_id, status, payment_id, marketplace_fee
		 FROM orders
		 WHERE number = $1
		 FOR UPDATE`,
		p.OrderNumber,
	).Scan(&orderID, &storeID, &status, &paymentID, &feeCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	if paymentID != nil && *paymentID != p.PaymentID {
		return fmt.Errorf("%w: order %s", ErrPaymentConflict, p.OrderNumber)
	}

	current := model.OrderStatus(status)

	if paymentID != nil && current == p.NewStatus {
		// Повторная доставка того же уведомления.
		return tx.Commit(ctx)
	}

	if current != p.NewStatus && !current.CanTransition(p.NewStatus) {
		// Запоздалое уведомление, нарушающее порядок переходов.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, payment_id = $3, payment_status = $4, payment_method = $5, updated_at = NOW()
		 WHERE id = $1`,
		orderID, string(p.NewStatus), p.PaymentID, p.PaymentStatus, p.PaymentMethod,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	res.Applied = true

	if p.NewStatus == model.OrderStatusPaid && current != model.OrderStatusPaid {
		// Комиссия фиксируется при создании предпочтения, а не пересчитывается
		// из фактического платежа: спор о комиссии разрешается по сумме,
		// которую видел покупатель.
		net := p.AmountCents - feeCents

		_, err = tx.Exec(ctx,
			`INSERT INTO transactions (store_id, order_id, type, gross, fee, net, status, payment_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			storeID, orderID, string(model.TransactionSale), p.AmountCents, feeCents, net, "completed", p.PaymentID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return errDuplicateLedgerEntry
			}
			return fmt.Errorf("insert sale transaction: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE stores SET balance = balance + $2 WHERE id = $1`,
			storeID, net,
		)
		if err != nil {
			return fmt.Errorf("credit store balance: %w", err)
		}

		res.Credited = true
		res.NetCents = net
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CreateCashout списывает средства с баланса магазина и записывает вывод в журнал.
// Строка магазина блокируется, чтобы параллельные выводы не ушли в минус.
func (r *PostgresRepository) CreateCashout(ctx context.Context, storeID int64, amountCents int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM stores WHERE id = $1 FOR UPDATE`,
		storeID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStoreNotFound
		}
		return fmt.Errorf("lock store: %w", err)
	}

	if amountCents > balance {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (store_id, type, gross, fee, net, status)
		 VALUES ($1, $2, $3, 0, $3, $4)`,
		storeID, string(model.TransactionCashout), amountCents, "completed",
	)
	if err != nil {
		return fmt.Errorf("insert cashout transaction: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE stores SET balance = balance - $2 WHERE id = $1`,
		storeID, amountCents,
	)
	if err != nil {
		return fmt.Errorf("debit store balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetStoreBalance возвращает текущий баланс магазина в центах.
func (r *PostgresRepository) GetStoreBalance(ctx context.Context, storeID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM stores WHERE id = $1`,
		storeID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStoreNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// GetTransactionsByStore возвращает журнал операций магазина.
func (r *PostgresRepository) GetTransactionsByStore(ctx context.Context, storeID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, store_id, order_id, type, gross, fee, net, status, payment_id, created_at
		 FROM transactions
		 WHERE store_id = $1
		 ORDER BY created_at DESC`,
		storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			tr  model.Transaction
			typ string
		)
		if err := rows.Scan(&tr.ID, &tr.StoreID, &tr.OrderID, &typ, &tr.GrossCents,
			&tr.FeeCents, &tr.NetCents, &tr.Status, &tr.PaymentID, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tr.Type = model.TransactionType(typ)
		res = append(res, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpsertSubscription сохраняет подписку, обновляя статус и срок при повторном оформлении.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, s *model.Subscription) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO subscriptions (kind, user_id, store_id, plan, preapproval_id, amount, fee, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (preapproval_id)
		 DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		string(s.Kind), s.UserID, s.StoreID, string(s.Plan), s.PreapprovalID,
		s.AmountCents, s.FeeCents, s.Status, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscriptionsExpiringBefore возвращает действующие подписки, срок которых истекает до указанного момента.
func (r *PostgresRepository) GetSubscriptionsExpiringBefore(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, user_id, store_id, plan, preapproval_id, amount, fee, status, expires_at, created_at, updated_at
		 FROM subscriptions
		 WHERE status IN ('pending', 'authorized') AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var res []model.Subscription
	for rows.Next() {
		var (
			s    model.Subscription
			kind string
			plan string
		)
		if err := rows.Scan(&s.ID, &kind, &s.UserID, &s.StoreID, &plan, &s.PreapprovalID,
			&s.AmountCents, &s.FeeCents, &s.Status, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		s.Kind = model.SubscriptionKind(kind)
		s.Plan = model.PlanTier(plan)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateSubscriptionStatus обновляет статус и срок действия подписки по идентификатору шлюза.
func (r *PostgresRepository) UpdateSubscriptionStatus(ctx context.Context, preapprovalID, status string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2, expires_at = $3, updated_at = NOW() WHERE preapproval_id = $1`,
		preapprovalID, status, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}
