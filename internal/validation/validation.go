// Package validation содержит функции валидации входных данных.
package validation

import (
	"math"
	"net/mail"
)

// IsValidEmail проверяет, что строка является корректным адресом электронной почты.
func IsValidEmail(s string) bool {
	if s == "" {
		return false
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}

	return addr.Address == s
}

// IsValidAmount проверяет, что денежная сумма положительна и задана не точнее цента.
func IsValidAmount(v float64) bool {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}

	cents := v * 100
	return math.Abs(cents-math.Round(cents)) < 1e-6
}
