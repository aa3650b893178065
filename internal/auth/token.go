// Package auth turns request credentials into a ledger.Principal.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dukerupert/joyledger/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "joyledger"

var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload issued by the surrounding application.
type Claims struct {
	Role        ledger.Role `json:"role"`
	BusinessIDs []int64     `json:"biz,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs an HS256 token for p valid for ttl.
func Issue(secret []byte, p ledger.Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role:        p.Role,
		BusinessIDs: p.BusinessIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(p.MemberID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token and returns the principal it names. The system role
// is never accepted from a token.
func Parse(secret []byte, token string) (ledger.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return ledger.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	memberID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return ledger.Principal{}, fmt.Errorf("%w: subject %q", ErrInvalidToken, claims.Subject)
	}
	switch claims.Role {
	case ledger.RoleMember, ledger.RoleStaff, ledger.RoleAdmin:
	default:
		return ledger.Principal{}, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	if claims.Role != ledger.RoleAdmin && memberID <= 0 {
		return ledger.Principal{}, fmt.Errorf("%w: missing member id", ErrInvalidToken)
	}
	return ledger.Principal{MemberID: memberID, BusinessIDs: claims.BusinessIDs, Role: claims.Role}, nil
}
