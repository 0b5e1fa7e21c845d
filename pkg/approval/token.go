package approval

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/steward-sh/steward/pkg/plan"
)

// interactiveOrigin is the claim value the interactive boundary stamps
// into every approval token. Batch code never holds the signing key,
// so it cannot mint a token carrying it.
const interactiveOrigin = "interactive"

// TokenVerifier resolves an approval token to the human actor behind
// it, rejecting anything that did not originate from the interactive
// request path.
type TokenVerifier interface {
	Verify(token string) (actor string, err error)
}

// JWTVerifier verifies HS256 tokens minted by MintInteractiveToken.
type JWTVerifier struct {
	key []byte
}

// NewJWTVerifier creates a verifier over the shared signing key.
func NewJWTVerifier(key []byte) (*JWTVerifier, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("approval signing key is empty")
	}
	return &JWTVerifier{key: key}, nil
}

// Verify parses and validates the token and returns its subject.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", plan.ErrForbidden, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: malformed token claims", plan.ErrForbidden)
	}
	if origin, _ := claims["origin"].(string); origin != interactiveOrigin {
		return "", fmt.Errorf("%w: token not minted by an interactive origin", plan.ErrForbidden)
	}
	actor, _ := claims["sub"].(string)
	if actor == "" {
		return "", fmt.Errorf("%w: token carries no actor", plan.ErrForbidden)
	}
	return actor, nil
}

// MintInteractiveToken issues a short-lived approval token for a human
// actor. Only interactive boundaries (login handler, operator CLI)
// may call this; handing the key to batch code violates the approval
// contract.
func MintInteractiveToken(key []byte, actor string, ttl time.Duration) (string, error) {
	if actor == "" {
		return "", fmt.Errorf("actor is required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    actor,
		"origin": interactiveOrigin,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	})
	return token.SignedString(key)
}
