package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// tokenIssuer is the iss claim of every token the daemon signs.
	tokenIssuer = "appservices"

	// defaultAccessTokenTTL applies when the requested TTL is not positive.
	defaultAccessTokenTTL = 15 * time.Minute
)

// CustomClaims are the registered JWT claims plus the caller's role.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// validate checks the fields every token must carry.
func (c *CustomClaims) validate() error {
	switch {
	case c.Subject == "":
		return errors.New("missing subject")
	case !IsValidRole(c.Role):
		return fmt.Errorf("role %q", c.Role)
	}
	return nil
}

// GenerateAccessToken signs an HS256 token granting role to subject. The
// subject is a user name for the API roles and a key ID for
// RoleSyncClient. A ttl of zero means 15 minutes.
func GenerateAccessToken(subject string, role Role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrSecretMissing
	}
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = defaultAccessTokenTTL
	}

	now := time.Now()
	claims := &CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	if err := claims.validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token signed with secret and returns its
// claims. Expired, foreign and role-less tokens wrap ErrTokenInvalid.
func ParseToken(tokenString, secret string) (*CustomClaims, error) {
	if secret == "" {
		return nil, ErrSecretMissing
	}

	claims := &CustomClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if err := claims.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return claims, nil
}
