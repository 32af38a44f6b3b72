package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/config"
	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/metrics"
)

// Middleware identifies the caller from its session token. Requests without
// a token continue anonymously; requests with an invalid token are rejected.
type Middleware struct {
	config    *config.AuthConfig
	logger    *logger.ComponentLogger
	extractor *TokenExtractor
	validator *TokenValidator
	enabled   bool
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(cfg *config.AuthConfig) (*Middleware, error) {
	m := &Middleware{
		config:  cfg,
		logger:  logger.Get().WithComponent("auth.middleware"),
		enabled: cfg.Enabled,
	}
	if !cfg.Enabled {
		return m, nil
	}

	validator, err := NewTokenValidator(cfg)
	if err != nil {
		return nil, err
	}

	m.extractor = NewTokenExtractor(cfg)
	m.validator = validator
	return m, nil
}

// Handler returns the middleware handler
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := m.extractor.ExtractToken(r)
		if errors.Is(err, ErrNoToken) {
			metrics.RecordAuthAttempt("anonymous")
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			metrics.RecordAuthAttempt("failure")
			m.handleAuthError(w, r, err)
			return
		}

		claims, err := m.validator.ValidateToken(tokenString)
		if err != nil {
			metrics.RecordAuthAttempt("failure")
			m.handleAuthError(w, r, err)
			return
		}

		metrics.RecordAuthAttempt("success")
		ctx := SetUserContext(r.Context(), NewUserContext(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleAuthError handles authentication errors
func (m *Middleware) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		metrics.RecordAuthFailure(valErr.Code)
		m.logger.Info("authentication failed", logger.Fields{
			"path":    r.URL.Path,
			"code":    valErr.Code,
			"message": valErr.Message,
		})
		m.writeError(w, r, valErr.Code, valErr.Message)
		return
	}

	metrics.RecordAuthFailure("unauthorized")
	m.logger.Error("authentication error", logger.Fields{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	m.writeError(w, r, "unauthorized", "Authentication failed")
}

// writeError writes a 401 error response
func (m *Middleware) writeError(w http.ResponseWriter, r *http.Request, code, message string) {
	correlationID := logger.GetCorrelationID(r.Context())

	errResp := ErrorResponse{
		Error:         code,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		Path:          r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		m.logger.Error("failed to encode error response", logger.Fields{
			"error": err.Error(),
		})
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Path          string    `json:"path"`
}
