// Package fee содержит политику комиссии маркетплейса.
package fee

import "github.com/dias1032/v0-marketplaceecommerce-sub001/internal/model"

// Проценты комиссии по тарифам продавца.
const (
	percentFree     = 15
	percentStandard = 10
	percentPremium  = 5
)

// Percent возвращает процент комиссии для тарифа продавца.
// Для неизвестного тарифа действует максимальная ставка.
func Percent(tier model.PlanTier) int {
	switch tier {
	case model.PlanPremium:
		return percentPremium
	case model.PlanStandard:
		return percentStandard
	default:
		return percentFree
	}
}

// Amount вычисляет комиссию в центах с округлением половины вверх.
// Сумма фиксируется при создании платёжного намерения и при зачислении
// не пересчитывается.
func Amount(totalCents int64, percent int) int64 {
	return (totalCents*int64(percent) + 50) / 100
}
