package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
)

// ErrNoToken is returned by ExtractToken when the request carries no session token
var ErrNoToken = errors.New("no session token")

// TokenExtractor extracts tokens from HTTP requests
type TokenExtractor struct {
	config *config.AuthConfig
	logger *logger.ComponentLogger
}

// NewTokenExtractor creates a new token extractor
func NewTokenExtractor(cfg *config.AuthConfig) *TokenExtractor {
	return &TokenExtractor{
		config: cfg,
		logger: logger.Get().WithComponent("auth.extractor"),
	}
}

// ExtractToken extracts the session token from the Authorization header or,
// failing that, from the session cookie.
func (te *TokenExtractor) ExtractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", &ValidationError{
				Code:    "invalid_token",
				Message: "Authorization header must use the Bearer scheme",
			}
		}
		return strings.TrimSpace(token), nil
	}

	cookie, err := r.Cookie(te.config.CookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			te.logger.Debug("session cookie not found", logger.Fields{
				"cookie_name": te.config.CookieName,
				"path":        r.URL.Path,
			})
			return "", ErrNoToken
		}
		return "", fmt.Errorf("failed to read cookie: %w", err)
	}

	if cookie.Value == "" {
		return "", ErrNoToken
	}

	return cookie.Value, nil
}
