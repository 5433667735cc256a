package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const claimsSecret = "claims-test-secret"

// signRaw signs claims directly, bypassing GenerateAccessToken's checks.
func signRaw(t *testing.T, method jwt.SigningMethod, claims jwt.Claims, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return s
}

func TestAccessToken_RoundTrip(t *testing.T) {
	for _, role := range []Role{RoleViewer, RoleOperator, RoleAdmin, RoleSyncClient} {
		t.Run(string(role), func(t *testing.T) {
			token, err := GenerateAccessToken("key-1", role, claimsSecret, time.Hour)
			if err != nil {
				t.Fatalf("GenerateAccessToken() error = %v", err)
			}
			claims, err := ParseToken(token, claimsSecret)
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}
			if claims.Subject != "key-1" || claims.Role != role || claims.Issuer != tokenIssuer {
				t.Errorf("claims = %+v", claims)
			}
			if claims.ID == "" {
				t.Error("token has no jti")
			}
		})
	}
}

func TestAccessToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAccessToken("viewer", RoleViewer, claimsSecret, 0)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	claims, err := ParseToken(token, claimsSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != defaultAccessTokenTTL {
		t.Errorf("ttl = %v, want %v", ttl, defaultAccessTokenTTL)
	}
}

func TestGenerateAccessToken_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		role    Role
		secret  string
		wantErr error
	}{
		{"unknown role", "a", Role("root"), claimsSecret, ErrInvalidRole},
		{"missing secret", "a", RoleViewer, "", ErrSecretMissing},
		{"missing subject", "", RoleViewer, claimsSecret, ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GenerateAccessToken(tt.subject, tt.role, tt.secret, time.Minute); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	valid := func() CustomClaims {
		return CustomClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    tokenIssuer,
				Subject:   "key-1",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			Role: RoleSyncClient,
		}
	}
	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	foreign := valid()
	foreign.Issuer = "someone-else"
	noExpiry := valid()
	noExpiry.ExpiresAt = nil
	noRole := valid()
	noRole.Role = ""
	noSubject := valid()
	noSubject.Subject = ""
	good := valid()

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"malformed", "not-a-valid-jwt", claimsSecret},
		{"empty", "", claimsSecret},
		{"wrong secret", signRaw(t, jwt.SigningMethodHS256, &good, []byte("other")), claimsSecret},
		{"wrong algorithm", signRaw(t, jwt.SigningMethodHS512, &good, []byte(claimsSecret)), claimsSecret},
		{"unsigned", signRaw(t, jwt.SigningMethodNone, &good, jwt.UnsafeAllowNoneSignatureType), claimsSecret},
		{"expired", signRaw(t, jwt.SigningMethodHS256, &expired, []byte(claimsSecret)), claimsSecret},
		{"foreign issuer", signRaw(t, jwt.SigningMethodHS256, &foreign, []byte(claimsSecret)), claimsSecret},
		{"no expiry", signRaw(t, jwt.SigningMethodHS256, &noExpiry, []byte(claimsSecret)), claimsSecret},
		{"no role", signRaw(t, jwt.SigningMethodHS256, &noRole, []byte(claimsSecret)), claimsSecret},
		{"no subject", signRaw(t, jwt.SigningMethodHS256, &noSubject, []byte(claimsSecret)), claimsSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, tt.secret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}

	if _, err := ParseToken(signRaw(t, jwt.SigningMethodHS256, &good, []byte(claimsSecret)), ""); !errors.Is(err, ErrSecretMissing) {
		t.Errorf("ParseToken() without secret error = %v, want ErrSecretMissing", err)
	}
}
