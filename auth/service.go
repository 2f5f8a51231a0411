package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks HS256 tokens shared with the identity service.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the shared signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the time used for expiry checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify validates a token and returns its principal.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	partyID, ok := claims["sub"].(string)
	if !ok || partyID == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Principal{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Principal{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	return Principal{PartyID: partyID, Role: role}, nil
}

// Issue signs a token for p valid for ttl. Used by operators and tests; the
// identity service issues production tokens.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	if p.PartyID == "" || !isValidRole(p.Role) {
		return "", fmt.Errorf("auth: cannot issue token for %+v", p)
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub":  p.PartyID,
		"role": string(p.Role),
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
