package tokenstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim namespace OpenAI nests its account fields under.
const authClaimNamespace = "https://api.openai.com/auth"

// Claims are the fields the UI cares about, pulled from the id token.
// The token is forwarded upstream as an opaque bearer, never trusted locally,
// so the payload is decoded without signature verification and every absent
// field degrades to its zero value.
type Claims struct {
	Email     string
	Plan      string
	UserID    string
	AccountID string
}

// DecodeClaims extracts the account fields from a JWT payload.
// A malformed token yields empty claims.
func DecodeClaims(token string) Claims {
	var out Claims

	claims := parseUnverified(token)
	if claims == nil {
		return out
	}

	out.Email, _ = claims["email"].(string)

	auth, _ := claims[authClaimNamespace].(map[string]interface{})
	if auth == nil {
		return out
	}
	if plan, _ := auth["chatgpt_plan_type"].(string); plan != "" {
		out.Plan = normalizePlan(plan)
	}
	out.UserID, _ = auth["chatgpt_user_id"].(string)
	if out.UserID == "" {
		out.UserID, _ = auth["user_id"].(string)
	}
	out.AccountID, _ = auth["chatgpt_account_id"].(string)

	return out
}

// TokenExpiryMillis reads the exp claim of a JWT as milliseconds since epoch.
// Returns 0 when the token is malformed or carries no expiry.
func TokenExpiryMillis(token string) int64 {
	claims := parseUnverified(token)
	if claims == nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.UnixMilli()
}

func parseUnverified(token string) jwt.MapClaims {
	if token == "" {
		return nil
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	claims, _ := parsed.Claims.(jwt.MapClaims)
	return claims
}

func normalizePlan(plan string) string {
	switch plan {
	case "free", "plus", "pro", "ultra":
		return plan
	default:
		return "other"
	}
}

// Expired reports whether the expiry (ms since epoch) falls within the skew
// window from now. A zero expiry counts as expired.
func Expired(expiresAtMillis int64, skew time.Duration) bool {
	if expiresAtMillis == 0 {
		return true
	}
	return time.Now().UnixMilli() >= expiresAtMillis-skew.Milliseconds()
}
