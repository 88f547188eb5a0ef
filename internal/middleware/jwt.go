package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/spendguard/internal/account"
	"github.com/congo-pay/spendguard/internal/auth"
)

// AccountIDKey is the fiber local holding the authenticated account id.
const AccountIDKey = "account_id"

// JWTAuth validates bearer tokens and checks that the account still exists.
func JWTAuth(issuer *auth.Issuer, accounts account.Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		accountID, err := issuer.Parse(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		if _, err := accounts.Account(c.UserContext(), accountID); err != nil {
			if errors.Is(err, account.ErrAccountNotFound) {
				return fiber.NewError(http.StatusUnauthorized, "account not found")
			}
			return err
		}
		c.Locals(AccountIDKey, accountID)
		return c.Next()
	}
}

// AccountID returns the authenticated account id, or "".
func AccountID(c *fiber.Ctx) string {
	id, _ := c.Locals(AccountIDKey).(string)
	return id
}
