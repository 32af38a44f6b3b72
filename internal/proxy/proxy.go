package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maltehedderich/ratelimitd/internal/logger"
	"github.com/maltehedderich/ratelimitd/internal/middleware"
	"github.com/maltehedderich/ratelimitd/internal/tracing"
)

// Hop-by-hop headers that should not be forwarded
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Proxy forwards admitted requests to the upstream service
type Proxy struct {
	client         *http.Client
	logger         *logger.ComponentLogger
	upstream       *url.URL
	trustedProxies []string
}

// Config contains proxy configuration
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
}

// DefaultConfig returns default proxy configuration
func DefaultConfig() *Config {
	return &Config{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		Timeout:             30 * time.Second,
	}
}

// New creates a proxy forwarding to upstream
func New(upstream string, trustedProxies []string, cfg *Config) (*Proxy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host are required", upstream)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Proxy{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			// Don't follow redirects - let the client handle them
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:         logger.Get().WithComponent("proxy"),
		upstream:       target,
		trustedProxies: trustedProxies,
	}, nil
}

// ServeHTTP forwards r upstream and streams the response back
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := p.logger.WithCorrelationID(logger.GetCorrelationID(r.Context()))
	targetURL := p.buildTargetURL(r)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), r.Body)
	if err != nil {
		log.Error("failed to create upstream request", logger.Fields{"error": err.Error()})
		p.writeError(w, r, http.StatusInternalServerError, "internal_server_error", "Failed to create upstream request")
		return
	}
	upstreamReq.ContentLength = r.ContentLength
	p.copyRequestHeaders(upstreamReq, r)
	tracing.InjectTraceContext(r.Context(), upstreamReq)

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		tracing.RecordError(r.Context(), err)
		log.Warn("upstream request failed", logger.Fields{
			"upstream_url": targetURL.String(),
			"error":        err.Error(),
		})
		if isTimeout(err) {
			p.writeError(w, r, http.StatusGatewayTimeout, "upstream_timeout", "Upstream service timed out")
			return
		}
		p.writeError(w, r, http.StatusBadGateway, "bad_gateway", "Upstream service unavailable")
		return
	}
	defer resp.Body.Close()

	log.Debug("upstream response received", logger.Fields{
		"upstream_url":   targetURL.String(),
		"status":         resp.StatusCode,
		"content_length": resp.ContentLength,
	})

	for key, values := range resp.Header {
		if hopHeaders[key] {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn("error streaming response", logger.Fields{
			"error": err.Error(),
		})
	}
}

// buildTargetURL joins the upstream base path with the request path
func (p *Proxy) buildTargetURL(r *http.Request) *url.URL {
	target := &url.URL{
		Scheme:   p.upstream.Scheme,
		Host:     p.upstream.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if base := strings.TrimSuffix(p.upstream.Path, "/"); base != "" {
		target.Path = base + r.URL.Path
	}
	return target
}

// copyRequestHeaders copies request headers, excluding hop-by-hop headers,
// and adds the X-Forwarded-* set
func (p *Proxy) copyRequestHeaders(dst, src *http.Request) {
	for key, values := range src.Header {
		if hopHeaders[key] {
			continue
		}
		for _, value := range values {
			dst.Header.Add(key, value)
		}
	}

	// Append the direct peer to any prior chain
	forwardedFor := peerIP(src)
	if prior := src.Header.Get("X-Forwarded-For"); prior != "" {
		forwardedFor = prior + ", " + forwardedFor
	}
	dst.Header.Set("X-Forwarded-For", forwardedFor)
	dst.Header.Set("X-Real-IP", middleware.ClientIP(src, p.trustedProxies))
	dst.Header.Set("X-Forwarded-Host", src.Host)
	proto := "http"
	if src.TLS != nil {
		proto = "https"
	}
	dst.Header.Set("X-Forwarded-Proto", proto)

	if correlationID := logger.GetCorrelationID(src.Context()); correlationID != "" {
		dst.Header.Set(middleware.CorrelationIDHeader, correlationID)
	}
	dst.Header.Add("Via", "1.1 ratelimitd")
	dst.Host = p.upstream.Host
}

func peerIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := map[string]interface{}{
		"error":     code,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"path":      r.URL.Path,
	}
	if correlationID := logger.GetCorrelationID(r.Context()); correlationID != "" {
		resp["correlation_id"] = correlationID
	}
	_ = middleware.WriteJSON(w, status, resp)
}
