// Package httplimit enforces rate limit rules on net/http handlers.
package httplimit

import (
	"net/http"
	"strings"

	"github.com/maltehedderich/ratelimitd/internal/auth"
	"github.com/maltehedderich/ratelimitd/internal/ratelimit"
)

// ChatIDHeader names the conversation a request belongs to
const ChatIDHeader = "X-Chat-ID"

// Request is the rate limit context of one HTTP request
type Request struct {
	*http.Request

	// Writer is the response writer of the request
	Writer http.ResponseWriter
	// ClientIP is the resolved client address
	ClientIP string

	throttled *ratelimit.Result
}

// UserID returns the authenticated user, if any
func (r *Request) UserID() (string, bool) {
	user, ok := auth.GetUserContext(r.Context())
	if !ok || user.UserID == "" {
		return "", false
	}
	return user.UserID, true
}

// ChatID returns the chat named by the X-Chat-ID header, if any
func (r *Request) ChatID() (string, bool) {
	chat := strings.TrimSpace(r.Header.Get(ChatIDHeader))
	return chat, chat != ""
}

// HasAnyRole reports whether the authenticated user holds one of roles
func (r *Request) HasAnyRole(roles []string) bool {
	user, ok := auth.GetUserContext(r.Context())
	return ok && user.HasAnyRole(roles)
}

// KeyByIP keys requests by client address
func KeyByIP(r *Request) (string, bool) {
	if r.ClientIP == "" {
		return "", false
	}
	return "ip:" + r.ClientIP, true
}

// KeyByRoute keys requests by path, so all callers of a route share one allowance
func KeyByRoute(r *Request) (string, bool) {
	return "route:" + r.URL.Path, true
}
