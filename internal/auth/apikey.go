// Package auth guards the mutating ops API endpoints with static API keys.
// Keys rotate at runtime, and every key gets its own request budget so one
// runaway client cannot starve the rest.
package auth

import (
	"context"
	"net/http"
	"sync"

	"exec_reconciler/internal/core"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// HeaderAPIKey is the request header carrying the ops API key.
	HeaderAPIKey = "X-API-Key"

	// HeaderRequestID echoes the request ID assigned to every request.
	HeaderRequestID = "X-Request-Id"

	// DefaultRateLimitPerKey is the per-key request budget per second.
	DefaultRateLimitPerKey = 100
)

// APIKeyValidator validates API keys and manages per-key rate limiting.
type APIKeyValidator struct {
	validKeys map[string]bool
	limiters  map[string]*rate.Limiter
	rateLimit int
	logger    core.ILogger
	// Authentication failures log under their own component so they can be
	// filtered and alerted on.
	failureLogger core.ILogger
	mu            sync.RWMutex
}

// NewAPIKeyValidator creates a validator for the given keys. rateLimit is
// requests per second per key; zero or negative selects the default.
func NewAPIKeyValidator(apiKeys []string, rateLimit int, logger core.ILogger) *APIKeyValidator {
	validKeys := make(map[string]bool)
	for _, key := range apiKeys {
		validKeys[key] = true
	}

	if rateLimit <= 0 {
		rateLimit = DefaultRateLimitPerKey
	}

	return &APIKeyValidator{
		validKeys:     validKeys,
		limiters:      make(map[string]*rate.Limiter),
		rateLimit:     rateLimit,
		logger:        logger.WithField("component", "auth"),
		failureLogger: logger.WithField("component", "auth_failure"),
	}
}

// AddAPIKey admits a new API key (for key rotation).
func (v *APIKeyValidator) AddAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validKeys[apiKey] = true
	v.logger.Info("API key added")
}

// RemoveAPIKey revokes an API key (for key rotation).
func (v *APIKeyValidator) RemoveAPIKey(apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.validKeys, apiKey)
	delete(v.limiters, apiKey)
	v.logger.Info("API key removed")
}

// ValidateAPIKey checks if the API key is known.
func (v *APIKeyValidator) ValidateAPIKey(apiKey string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.validKeys[apiKey]
}

// CheckRateLimit reports whether the key has budget for one more request.
func (v *APIKeyValidator) CheckRateLimit(apiKey string) bool {
	v.mu.Lock()
	limiter, exists := v.limiters[apiKey]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(v.rateLimit), v.rateLimit)
		v.limiters[apiKey] = limiter
	}
	v.mu.Unlock()

	return limiter.Allow()
}

type requestIDKey struct{}

func withRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestIDKey{}, uuid.New().String())
}

// RequestID extracts the request ID the middleware assigned, or "unknown"
// for requests that did not pass through it.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}

// Middleware wraps a handler with API key authentication. Every response
// carries the assigned request ID for log correlation.
func (v *APIKeyValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := withRequestID(r.Context())
		requestID := RequestID(ctx)
		w.Header().Set(HeaderRequestID, requestID)

		apiKey := r.Header.Get(HeaderAPIKey)
		if apiKey == "" {
			v.failureLogger.Warn("Authentication failed: missing API key",
				"path", r.URL.Path,
				"request_id", requestID,
				"client_ip", r.RemoteAddr)
			http.Error(w, "missing API key", http.StatusUnauthorized)
			return
		}

		if !v.ValidateAPIKey(apiKey) {
			v.failureLogger.Warn("Authentication failed: invalid API key",
				"path", r.URL.Path,
				"request_id", requestID,
				"client_ip", r.RemoteAddr)
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}

		if !v.CheckRateLimit(apiKey) {
			v.failureLogger.Warn("Rate limit exceeded",
				"path", r.URL.Path,
				"request_id", requestID,
				"client_ip", r.RemoteAddr)
			http.Error(w, "rate limit exceeded for API key", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
