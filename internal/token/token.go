package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer signs and verifies order tokens. A token embeds a purchase id and
// lets a seller view their slice of a paid purchase without buyer credentials.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an issuer with the given HMAC secret and token lifetime.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

type orderClaims struct {
	OrderID int64 `json:"order_id"`
	jwt.RegisteredClaims
}

// IssueOrderToken creates a signed token for the given purchase.
func (i *Issuer) IssueOrderToken(purchaseID int64) (string, error) {
	now := time.Now().UTC()
	claims := orderClaims{
		OrderID: purchaseID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// VerifyOrderToken validates the token signature and expiry and returns the
// embedded purchase id.
func (i *Issuer) VerifyOrderToken(tokenString string) (int64, error) {
	var claims orderClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return 0, err
	}
	if !parsed.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	if claims.OrderID == 0 {
		return 0, fmt.Errorf("token does not contain order_id")
	}

	return claims.OrderID, nil
}
