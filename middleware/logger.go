package middleware

import (
	"net/http"
	"time"

	"billboard-api-go/stats"

	log "github.com/sirupsen/logrus"
)

// ResponseRecorder captures the status and size of a response.
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
	BodySize   int
}

// NewResponseRecorder wraps w with a default status of 200.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	r.StatusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.BodySize += n
	return n, err
}

func getStatusColor(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "\033[32m"
	case code >= 300 && code < 400:
		return "\033[36m"
	case code >= 400 && code < 500:
		return "\033[33m"
	case code >= 500:
		return "\033[31m"
	default:
		return "\033[0m"
	}
}

// LoggingMiddleware logs one line per request and records endpoint,
// status and latency in the process stats.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		stats.Get().RecordRequest(r.URL.Path)
		stats.Get().RecordStatusCode(rec.StatusCode)
		stats.Get().RecordResponseTime(elapsed, r.URL.Path)

		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.StatusCode,
			"bytes":    rec.BodySize,
			"duration": elapsed.String(),
			"remote":   clientIP(r),
		}).Infof("%s%d\033[0m %s %s", getStatusColor(rec.StatusCode), rec.StatusCode, r.Method, r.URL.RequestURI())
	})
}
