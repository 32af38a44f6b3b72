package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
)

// TokenValidator validates HMAC-signed JWT session tokens
type TokenValidator struct {
	config  *config.AuthConfig
	logger  *logger.ComponentLogger
	hmacKey []byte
	now     func() time.Time
}

// Claims represents the JWT claims we expect
type Claims struct {
	jwt.RegisteredClaims
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Roles     []string `json:"roles"`
}

// NewTokenValidator creates a new token validator
func NewTokenValidator(cfg *config.AuthConfig) (*TokenValidator, error) {
	switch cfg.JWTSigningAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.JWTSigningAlgorithm)
	}
	if cfg.JWTSharedSecret == "" {
		return nil, fmt.Errorf("HS* algorithm requires shared secret")
	}

	tv := &TokenValidator{
		config:  cfg,
		logger:  logger.Get().WithComponent("auth.validator"),
		hmacKey: []byte(cfg.JWTSharedSecret),
		now:     time.Now,
	}

	tv.logger.Info("token validator initialized", logger.Fields{
		"algorithm": cfg.JWTSigningAlgorithm,
	})

	return tv, nil
}

// ValidateToken validates a JWT token and returns the claims
func (tv *TokenValidator) ValidateToken(tokenString string) (*Claims, error) {
	// exp and nbf are checked with the configured clock skew tolerance
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tv.keyFunc,
		jwt.WithValidMethods([]string{tv.config.JWTSigningAlgorithm}),
		jwt.WithLeeway(tv.config.ClockSkewTolerance),
		jwt.WithTimeFunc(tv.now),
	)
	if err != nil {
		tv.logger.Debug("token validation failed", logger.Fields{
			"error": err.Error(),
		})

		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &ValidationError{
				Code:    "token_expired",
				Message: "Token has expired",
				Err:     err,
			}
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, &ValidationError{
				Code:    "token_not_yet_valid",
				Message: "Token is not yet valid",
				Err:     err,
			}
		}

		return nil, &ValidationError{
			Code:    "invalid_token",
			Message: "Token validation failed",
			Err:     err,
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &ValidationError{
			Code:    "invalid_claims",
			Message: "Failed to extract claims",
		}
	}

	if claims.UserID == "" {
		return nil, &ValidationError{
			Code:    "missing_claim",
			Message: "Required claim missing: user_id",
		}
	}

	tv.logger.Debug("token validated successfully", logger.Fields{
		"user_id":    claims.UserID,
		"session_id": maskSessionID(claims.SessionID),
		"roles":      claims.Roles,
	})

	return claims, nil
}

// keyFunc returns the key for validating the token
func (tv *TokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return tv.hmacKey, nil
}

// maskSessionID masks a session ID for logging (shows only last 4 characters)
func maskSessionID(sessionID string) string {
	if len(sessionID) <= 4 {
		return "****"
	}
	return "****" + sessionID[len(sessionID)-4:]
}

// ValidationError represents a token validation error
type ValidationError struct {
	Code    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
