package account

import "errors"

var (
	// ErrAccountNotFound indicates the account identifier is unknown.
	ErrAccountNotFound = errors.New("account not found")
	// ErrCardNotFound indicates the card identifier is unknown.
	ErrCardNotFound = errors.New("card not found")
	// ErrWalletNotFound indicates the wallet identifier is unknown.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrNotOwner indicates the caller does not own the instrument.
	ErrNotOwner = errors.New("instrument not owned by account")
	// ErrCardCancelled is returned when mutating a cancelled card.
	ErrCardCancelled = errors.New("card is cancelled")
	// ErrCardInactive is returned when spending on a card that is not active.
	ErrCardInactive = errors.New("card is not active")

	// ErrSpendingLimitExceeded is returned by a conditional spend increment
	// that would push total spend over the card's spending limit.
	ErrSpendingLimitExceeded = errors.New("spending limit exceeded")
	// ErrMonthlyLimitExceeded is the monthly counterpart of ErrSpendingLimitExceeded.
	ErrMonthlyLimitExceeded = errors.New("monthly limit exceeded")
	// ErrDisposableUsed is returned when a single-use card already carries spend.
	ErrDisposableUsed = errors.New("disposable card already used")
)
