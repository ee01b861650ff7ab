package main

import (
	"encoding/json"
	"net/http"

	"billboard-api-go/middleware"
)

// APIResponse handles consistent header setting and JSON responses.
// X-Cache-Status comes from the chart result, X-RateLimit-Type from the
// tier the rate limiter admitted the request on.
type APIResponse struct {
	w           http.ResponseWriter
	r           *http.Request
	cacheStatus string
	retryAfter  string
}

// Respond creates a response helper from request context
func Respond(w http.ResponseWriter, r *http.Request) *APIResponse {
	return &APIResponse{w: w, r: r}
}

// SetCacheStatus sets the X-Cache-Status header value
func (a *APIResponse) SetCacheStatus(status string) *APIResponse {
	a.cacheStatus = status
	return a
}

// SetRetryAfter sets the Retry-After header value in seconds
func (a *APIResponse) SetRetryAfter(seconds string) *APIResponse {
	a.retryAfter = seconds
	return a
}

func (a *APIResponse) writeHeaders() {
	a.w.Header().Set("Content-Type", "application/json")

	if a.cacheStatus != "" {
		a.w.Header().Set("X-Cache-Status", a.cacheStatus)
	}
	if a.retryAfter != "" {
		a.w.Header().Set("Retry-After", a.retryAfter)
	}
	if tier := middleware.RateLimitType(a.r.Context()); tier != "" {
		a.w.Header().Set("X-RateLimit-Type", tier)
	}
}

// JSON writes headers and encodes data as JSON (200 OK)
func (a *APIResponse) JSON(data interface{}) error {
	a.writeHeaders()
	return json.NewEncoder(a.w).Encode(data)
}

// Error writes headers, sets status code, and encodes error response
func (a *APIResponse) Error(statusCode int, data interface{}) error {
	a.writeHeaders()
	a.w.WriteHeader(statusCode)
	return json.NewEncoder(a.w).Encode(data)
}
