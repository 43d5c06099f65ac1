package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreatePreference_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/checkout/preferences" {
			t.Fatalf("path = %s, want /checkout/preferences", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Fatalf("authorization = %q, want bearer token", auth)
		}

		var req PreferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ExternalReference != "order-1" {
			t.Fatalf("external_reference = %q, want order-1", req.ExternalReference)
		}
		if req.MarketplaceFee != 10.0 {
			t.Fatalf("marketplace_fee = %v, want 10.0", req.MarketplaceFee)
		}
		if req.AutoReturn != "approved" {
			t.Fatalf("auto_return = %q, want approved", req.AutoReturn)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Preference{
			ID:               "pref-1",
			InitPoint:        "https://gateway/init/pref-1",
			SandboxInitPoint: "https://sandbox/init/pref-1",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pref, err := client.CreatePreference(ctx, &PreferenceRequest{
		Items: []PreferenceItem{
			{Title: "item", Quantity: 1, UnitPrice: 100.0, CurrencyID: "BRL"},
		},
		Payer:             Payer{Email: "buyer@example.com"},
		MarketplaceFee:    10.0,
		CollectorID:       "collector-1",
		ExternalReference: "order-1",
		AutoReturn:        "approved",
	})
	if err != nil {
		t.Fatalf("CreatePreference error: %v", err)
	}
	if pref.ID != "pref-1" || pref.InitPoint != "https://gateway/init/pref-1" {
		t.Fatalf("unexpected preference: %+v", pref)
	}
}

func TestCreatePreapproval_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/preapproval" {
			t.Fatalf("path = %s, want /preapproval", r.URL.Path)
		}

		var req PreapprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.AutoRecurring.Frequency != 1 || req.AutoRecurring.FrequencyType != "months" {
			t.Fatalf("unexpected recurrence: %+v", req.AutoRecurring)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Preapproval{
			ID:        "sub-1",
			InitPoint: "https://gateway/init/sub-1",
			Status:    "pending",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pre, err := client.CreatePreapproval(ctx, &PreapprovalRequest{
		Reason:     "seller plan: premium",
		PayerEmail: "seller@example.com",
		AutoRecurring: AutoRecurring{
			Frequency:         1,
			FrequencyType:     "months",
			TransactionAmount: 49.90,
			CurrencyID:        "BRL",
		},
	})
	if err != nil {
		t.Fatalf("CreatePreapproval error: %v", err)
	}
	if pre.ID != "sub-1" || pre.Status != "pending" {
		t.Fatalf("unexpected preapproval: %+v", pre)
	}
}

func TestGetPayment_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/v1/payments/42" {
			t.Fatalf("path = %s, want /v1/payments/42", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Payment{
			ID:                42,
			Status:            "approved",
			TransactionAmount: 100.0,
			ExternalReference: "order-1",
			PaymentMethodID:   "pix",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payment, err := client.GetPayment(ctx, "42")
	if err != nil {
		t.Fatalf("GetPayment error: %v", err)
	}
	if payment.ID != 42 || payment.Status != "approved" {
		t.Fatalf("unexpected payment: %+v", payment)
	}
	if payment.TransactionAmount != 100.0 || payment.ExternalReference != "order-1" {
		t.Fatalf("unexpected payment fields: %+v", payment)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"payment not found"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.GetPayment(ctx, "404")
	if err == nil {
		t.Fatalf("expected error for 404 response")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status code = %d, want %d", apiErr.StatusCode, http.StatusNotFound)
	}
}
