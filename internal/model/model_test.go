package model

import "testing"

func TestOrderStatusFromPayment(t *testing.T) {
	tests := []struct {
		payment string
		want    OrderStatus
	}{
		{"approved", OrderStatusPaid},
		{"pending", OrderStatusPending},
		{"in_process", OrderStatusPending},
		{"rejected", OrderStatusCancelled},
		{"cancelled", OrderStatusCancelled},
		{"refunded", OrderStatusRefunded},
		{"charged_back", OrderStatusPending},
		{"", OrderStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.payment, func(t *testing.T) {
			if got := OrderStatusFromPayment(tt.payment); got != tt.want {
				t.Fatalf("OrderStatusFromPayment(%q) = %q, want %q", tt.payment, got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{"pending to paid", OrderStatusPending, OrderStatusPaid, true},
		{"pending to cancelled", OrderStatusPending, OrderStatusCancelled, true},
		{"pending to refunded", OrderStatusPending, OrderStatusRefunded, true},
		{"paid back to pending", OrderStatusPaid, OrderStatusPending, false},
		{"paid to processing", OrderStatusPaid, OrderStatusProcessing, true},
		{"paid to refunded", OrderStatusPaid, OrderStatusRefunded, true},
		{"paid to cancelled", OrderStatusPaid, OrderStatusCancelled, false},
		{"processing to shipped", OrderStatusProcessing, OrderStatusShipped, true},
		{"shipped to delivered", OrderStatusShipped, OrderStatusDelivered, true},
		{"delivered is terminal", OrderStatusDelivered, OrderStatusRefunded, false},
		{"cancelled is terminal", OrderStatusCancelled, OrderStatusPaid, false},
		{"refunded is terminal", OrderStatusRefunded, OrderStatusPaid, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Fatalf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParsePlanTier(t *testing.T) {
	tests := []struct {
		in   string
		want PlanTier
	}{
		{"free", PlanFree},
		{"standard", PlanStandard},
		{"mid", PlanStandard},
		{"premium", PlanPremium},
		{"master", PlanPremium},
		{"Master", PlanPremium},
		{"  premium ", PlanPremium},
		{"gold", PlanFree},
		{"", PlanFree},
	}

	for _, tt := range tests {
		if got := ParsePlanTier(tt.in); got != tt.want {
			t.Fatalf("ParsePlanTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCentsConversion(t *testing.T) {
	if got := CentsFromAmount(100.00); got != 10000 {
		t.Fatalf("CentsFromAmount(100.00) = %d, want 10000", got)
	}
	if got := CentsFromAmount(0.1); got != 10 {
		t.Fatalf("CentsFromAmount(0.1) = %d, want 10", got)
	}
	if got := AmountFromCents(9000); got != 90.0 {
		t.Fatalf("AmountFromCents(9000) = %v, want 90.0", got)
	}
}
