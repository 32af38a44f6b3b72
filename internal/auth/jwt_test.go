package auth

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
)

const testSecret = "test-secret-with-enough-entropy"

func init() {
	// Initialize logger for tests
	logger.Init(logger.InfoLevel, "json", &bytes.Buffer{})
}

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		Enabled:             true,
		CookieName:          "session_token",
		JWTSigningAlgorithm: "HS256",
		JWTSharedSecret:     testSecret,
		ClockSkewTolerance:  5 * time.Second,
	}
}

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims *Claims) string {
	t.Helper()
	tokenString, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func validClaims(now time.Time) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID:    "user123",
		SessionID: "session456",
		Roles:     []string{"user", "admin"},
	}
}

func TestNewTokenValidator(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.AuthConfig)
		wantErr bool
	}{
		{"HS256", func(*config.AuthConfig) {}, false},
		{"HS512", func(c *config.AuthConfig) { c.JWTSigningAlgorithm = "HS512" }, false},
		{"RS256 unsupported", func(c *config.AuthConfig) { c.JWTSigningAlgorithm = "RS256" }, true},
		{"missing secret", func(c *config.AuthConfig) { c.JWTSharedSecret = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAuthConfig()
			tt.mutate(cfg)
			_, err := NewTokenValidator(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTokenValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenValidator_ValidateToken(t *testing.T) {
	validator, err := NewTokenValidator(testAuthConfig())
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	validator.now = func() time.Time { return now }

	t.Run("ValidToken", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims(now))

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if claims.UserID != "user123" {
			t.Errorf("Expected UserID user123, got: %s", claims.UserID)
		}
		if claims.SessionID != "session456" {
			t.Errorf("Expected SessionID session456, got: %s", claims.SessionID)
		}
		if len(claims.Roles) != 2 {
			t.Errorf("Expected 2 roles, got: %v", claims.Roles)
		}
	})

	tests := []struct {
		name     string
		token    func(t *testing.T) string
		wantCode string
	}{
		{
			name: "ExpiredToken",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			wantCode: "token_expired",
		},
		{
			name: "NotYetValid",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c.NotBefore = jwt.NewNumericDate(now.Add(time.Minute))
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			wantCode: "token_not_yet_valid",
		},
		{
			name: "MissingUserID",
			token: func(t *testing.T) string {
				c := validClaims(now)
				c.UserID = ""
				return signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			wantCode: "missing_claim",
		},
		{
			name: "WrongSecret",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS256, []byte("another-secret"), validClaims(now))
			},
			wantCode: "invalid_token",
		},
		{
			name: "AlgorithmMismatch",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims(now))
			},
			wantCode: "invalid_token",
		},
		{
			name: "NoneAlgorithm",
			token: func(t *testing.T) string {
				return signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims(now))
			},
			wantCode: "invalid_token",
		},
		{
			name:     "Garbage",
			token:    func(*testing.T) string { return "not.a.token" },
			wantCode: "invalid_token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateToken(tt.token(t))
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("Expected ValidationError, got: %v", err)
			}
			if valErr.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, valErr.Code)
			}
		})
	}
}

func TestTokenValidator_ClockSkewTolerance(t *testing.T) {
	validator, err := NewTokenValidator(testAuthConfig())
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	validator.now = func() time.Time { return now }

	c := validClaims(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(-3 * time.Second))
	if _, err := validator.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)); err != nil {
		t.Errorf("Expected token expired within tolerance to validate, got: %v", err)
	}

	c.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second))
	if _, err := validator.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte(testSecret), c)); err == nil {
		t.Error("Expected token expired beyond tolerance to fail")
	}
}

func TestMaskSessionID(t *testing.T) {
	tests := map[string]string{
		"":           "****",
		"abcd":       "****",
		"session456": "****n456",
	}
	for in, want := range tests {
		if got := maskSessionID(in); got != want {
			t.Errorf("maskSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}
