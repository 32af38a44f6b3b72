package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

// ResponseWriter wraps http.ResponseWriter to capture status code and size
type ResponseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// NewResponseWriter wraps w. The status defaults to 200 until WriteHeader is called.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the first status code written
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Status returns the response status code
func (rw *ResponseWriter) Status() int {
	return rw.status
}

// Size returns the number of body bytes written
func (rw *ResponseWriter) Size() int {
	return rw.size
}

// Written reports whether the response header has been sent
func (rw *ResponseWriter) Written() bool {
	return rw.wroteHeader
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// ClientIP extracts the client IP from the request. Forwarding headers are
// honored only when the direct peer is one of trustedProxies (IPs or CIDRs).
func ClientIP(r *http.Request, trustedProxies []string) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	if !isTrusted(peer, trustedProxies) {
		return peer
	}

	// X-Forwarded-For can contain multiple IPs, the first one is the client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	return peer
}

func isTrusted(peer string, trustedProxies []string) bool {
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, network, err := net.ParseCIDR(proxy); err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if trusted := net.ParseIP(proxy); trusted != nil && trusted.Equal(ip) {
			return true
		}
	}
	return false
}

// WriteJSON writes v as a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
