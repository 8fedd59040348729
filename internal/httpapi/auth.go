package httpapi

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"gudangku/backend/internal/domain"
)

// AuthManager resolves bearer tokens to an opaque actor. Token issuance,
// accounts, and sessions belong to the identity service; this side only
// verifies the HS256 signature and reads the subject and role claims.
type AuthManager struct {
	secret []byte
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	return &AuthManager{secret: []byte(secret)}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{ID: sub, Role: claims.Role}, nil
}

// Sign issues a token for an actor. Used by tests and local tooling; the
// production issuer lives in the identity service and shares the secret.
func (a *AuthManager) Sign(actorID, role string, expiresAt time.Time) (string, error) {
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "gudangku",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
