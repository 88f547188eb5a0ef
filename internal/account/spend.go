package account

import "github.com/shopspring/decimal"

// CheckSpend evaluates whether amount may be added to the card's counters. It
// is the single condition shared by every conditional increment so the
// in-memory and SQL paths agree.
func CheckSpend(card Card, amount decimal.Decimal) error {
	if card.Status != CardActive {
		return ErrCardInactive
	}
	if card.Consumed() {
		return ErrDisposableUsed
	}
	if card.SpendingLimit.IsPositive() && card.TotalSpent.Add(amount).GreaterThan(card.SpendingLimit) {
		return ErrSpendingLimitExceeded
	}
	if card.MonthlyLimit.IsPositive() && card.MonthlySpent.Add(amount).GreaterThan(card.MonthlyLimit) {
		return ErrMonthlyLimitExceeded
	}
	return nil
}
