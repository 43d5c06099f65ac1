package validation

import "testing"

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"buyer@example.com", true},
		{"seller+tag@shop.com.br", true},
		{"", false},
		{"not-an-email", false},
		{"missing@domain", true},
		{"Buyer <buyer@example.com>", false},
		{"two@@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			if got := IsValidEmail(tt.email); got != tt.want {
				t.Fatalf("IsValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
			}
		})
	}
}

func TestIsValidAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		want   bool
	}{
		{"whole", 100, true},
		{"two decimals", 99.99, true},
		{"one decimal", 0.5, true},
		{"zero", 0, false},
		{"negative", -10, false},
		{"sub-cent precision", 10.001, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidAmount(tt.amount); got != tt.want {
				t.Fatalf("IsValidAmount(%v) = %v, want %v", tt.amount, got, tt.want)
			}
		})
	}
}
