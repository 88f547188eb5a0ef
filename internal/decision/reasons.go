package decision

// Decline reason codes.
const (
	ReasonUnauthorized      = "UNAUTHORIZED"
	ReasonForbidden         = "FORBIDDEN"
	ReasonCardNotFound      = "CARD_NOT_FOUND"
	ReasonCardInactive      = "CARD_INACTIVE"
	ReasonDisposableUsed    = "DISPOSABLE_CARD_USED"
	ReasonWalletNotFound    = "WALLET_NOT_FOUND"
	ReasonFraudDetected     = "FRAUD_DETECTED"
	ReasonMCCBlocked        = "MERCHANT_CATEGORY_BLOCKED"
	ReasonMCCNotAllowed     = "MERCHANT_CATEGORY_NOT_ALLOWED"
	ReasonCountryBlocked    = "COUNTRY_BLOCKED"
	ReasonCountryNotAllowed = "COUNTRY_NOT_ALLOWED"
	ReasonSpendingLimit     = "SPENDING_LIMIT_EXCEEDED"
	ReasonMonthlyLimit      = "MONTHLY_LIMIT_EXCEEDED"
	ReasonDailyLimit        = "DAILY_LIMIT_EXCEEDED"
	ReasonVelocity          = "VELOCITY_EXCEEDED"
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonSystemError       = "SYSTEM_ERROR"
)

var messages = map[string]string{
	ReasonUnauthorized:      "Request signature could not be verified.",
	ReasonForbidden:         "Request source is not allowed.",
	ReasonCardNotFound:      "Card not found.",
	ReasonCardInactive:      "Card is not active.",
	ReasonDisposableUsed:    "This single-use card has already been used.",
	ReasonWalletNotFound:    "Wallet not found.",
	ReasonFraudDetected:     "Transaction declined for security reasons.",
	ReasonMCCBlocked:        "Merchant category is blocked for this card.",
	ReasonMCCNotAllowed:     "Merchant category is not allowed for this card.",
	ReasonCountryBlocked:    "Merchant country is blocked for this card.",
	ReasonCountryNotAllowed: "Merchant country is not allowed for this card.",
	ReasonSpendingLimit:     "Card spending limit exceeded.",
	ReasonMonthlyLimit:      "Monthly spending limit exceeded.",
	ReasonDailyLimit:        "Daily spending limit exceeded.",
	ReasonVelocity:          "Too many transactions in a short period.",
	ReasonInsufficientFunds: "Insufficient funds.",
	ReasonSystemError:       "Transaction could not be processed.",
}

// Message returns the human-readable text for a reason code.
func Message(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[ReasonSystemError]
}
