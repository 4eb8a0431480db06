package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// LabClaims is the payload of a locally verifiable entitlement token.
type LabClaims struct {
	LabID      string `json:"lab"`
	PurchaseID string `json:"pid"`
	jwt.RegisteredClaims
}

// JWTAuthorizer validates HMAC-signed entitlement tokens without a round trip
// to the entitlement service.
type JWTAuthorizer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthorizer creates an authorizer for tokens signed with secret. An
// empty issuer accepts any issuer.
func NewJWTAuthorizer(secret, issuer string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// ValidateToken verifies the token signature and maps its claims onto an
// entitlement. Expired or tampered tokens are invalid entitlements, not errors.
func (a *JWTAuthorizer) ValidateToken(_ context.Context, token string) (domain.Entitlement, error) {
	claims, err := a.parse(token)
	if err != nil {
		slog.Debug("Entitlement token rejected", "error", err, "expired", errors.Is(err, jwt.ErrTokenExpired))
		return domain.Entitlement{Valid: false}, nil
	}

	ent := domain.Entitlement{
		Valid:      claims.Subject != "" && claims.LabID != "",
		UserID:     claims.Subject,
		LabID:      claims.LabID,
		PurchaseID: claims.PurchaseID,
	}
	if claims.ExpiresAt != nil {
		ent.ExpiresAt = claims.ExpiresAt.Time
	}
	return ent, nil
}

func (a *JWTAuthorizer) parse(raw string) (*LabClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &LabClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Issue signs an entitlement token for userID and labID valid for ttl.
func (a *JWTAuthorizer) Issue(userID, labID, purchaseID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := LabClaims{
		LabID:      labID,
		PurchaseID: purchaseID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign entitlement token: %w", err)
	}
	return signed, nil
}
