// Package gateway предоставляет клиент платёжного шлюза MercadoPago.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// APIError описывает ответ шлюза со статусом, отличным от 2xx.
// Ошибка не проглатывается клиентом: решение о повторе принимает вызывающий код.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.StatusCode, e.Body)
}

// NewClient создаёт клиент шлюза по указанному базовому адресу.
// Сетевые сбои и 5xx повторяются на уровне HTTP-клиента.
func NewClient(baseURL, accessToken string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  rc.StandardClient(),
	}
}

// PreferenceItem описывает одну позицию платёжного намерения.
type PreferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int32   `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

// Payer содержит данные плательщика.
type Payer struct {
	Email string `json:"email"`
}

// BackURLs содержит адреса возврата покупателя после оплаты.
type BackURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

// PreferenceRequest описывает запрос на создание платёжного намерения.
type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	Payer             Payer            `json:"payer"`
	MarketplaceFee    float64          `json:"marketplace_fee"`
	CollectorID       string           `json:"collector_id"`
	ExternalReference string           `json:"external_reference"`
	BackURLs          BackURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return"`
	NotificationURL   string           `json:"notification_url"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

// Preference описывает созданное платёжное намерение.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// AutoRecurring описывает параметры регулярного списания.
type AutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

// PreapprovalRequest описывает запрос на создание регулярного списания.
type PreapprovalRequest struct {
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference,omitempty"`
	PayerEmail        string        `json:"payer_email"`
	AutoRecurring     AutoRecurring `json:"auto_recurring"`
	BackURL           string        `json:"back_url"`
}

// Preapproval описывает регулярное списание на стороне шлюза.
type Preapproval struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
	Status    string `json:"status"`
}

// Payment — полная запись платежа, полученная от шлюза по идентификатору.
// Суммы и статус берутся только отсюда, а не из push-уведомления.
type Payment struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail"`
	TransactionAmount float64 `json:"transaction_amount"`
	ExternalReference string  `json:"external_reference"`
	PaymentMethodID   string  `json:"payment_method_id"`
	PaymentTypeID     string  `json:"payment_type_id"`
}

// CreatePreference создаёт платёжное намерение для разового платежа.
func (c *Client) CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error) {
	var pref Preference
	if err := c.post(ctx, "/checkout/preferences", req, &pref); err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}
	return &pref, nil
}

// CreatePreapproval создаёт регулярное списание.
func (c *Client) CreatePreapproval(ctx context.Context, req *PreapprovalRequest) (*Preapproval, error) {
	var pre Preapproval
	if err := c.post(ctx, "/preapproval", req, &pre); err != nil {
		return nil, fmt.Errorf("create preapproval: %w", err)
	}
	return &pre, nil
}

// GetPayment запрашивает авторитетную запись платежа по идентификатору.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var payment Payment
	if err := c.get(ctx, "/v1/payments/"+id, &payment); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &payment, nil
}

// GetPreapproval запрашивает текущее состояние регулярного списания.
func (c *Client) GetPreapproval(ctx context.Context, id string) (*Preapproval, error) {
	var pre Preapproval
	if err := c.get(ctx, "/preapproval/"+id, &pre); err != nil {
		return nil, fmt.Errorf("get preapproval %s: %w", id, err)
	}
	return &pre, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
