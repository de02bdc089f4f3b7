// Package identity verifies who is acting. The chat gateway authenticates
// users against the platform and hands the core a signed assertion carrying
// the stable account id; the core never trusts a bare display handle for
// authorization.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Assertion is a verified statement about the acting user. AccountID is the
// stable platform id and is the only field authorization may rely on; Handle
// is the mutable display name, advisory only.
type Assertion struct {
	AccountID string
	Handle    string
}

var ErrInvalidToken = errors.New("identity: invalid token")

// Verifier checks gateway-signed identity tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: 24 * time.Hour}
}

// Issue signs an assertion. Lives here so the gateway and tests share one
// token shape.
func (v *Verifier) Issue(accountID, handle string) (string, error) {
	claims := jwt.MapClaims{
		"account_id": accountID,
		"handle":     handle,
		"exp":        time.Now().Add(v.ttl).Unix(),
		"iat":        time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses and validates a token and returns the assertion it carries.
func (v *Verifier) Verify(tokenString string) (Assertion, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Assertion{}, fmt.Errorf("identity: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Assertion{}, ErrInvalidToken
	}

	accountID, ok := claims["account_id"].(string)
	if !ok || accountID == "" {
		return Assertion{}, fmt.Errorf("%w: missing account_id", ErrInvalidToken)
	}
	handle, _ := claims["handle"].(string)

	return Assertion{AccountID: accountID, Handle: NormalizeHandle(handle)}, nil
}

// NormalizeHandle reduces a display handle to one canonical key: trimmed,
// lowercased, leading @ removed. Handle matching stays a weaker guarantee
// than account ids and is used only for buyer self-registration.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	handle = strings.TrimPrefix(handle, "@")
	return strings.ToLower(handle)
}
