package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	chicors "github.com/go-chi/cors"
)

// RequestID injects a request id into the context and response header
func RequestID() func(http.Handler) http.Handler { return middleware.RequestID }

// CORSOptions is a narrow surface over go-chi/cors
type CORSOptions struct {
	AllowedOrigins []string
	AllowedMethods []string
	MaxAge         int
}

// CORS wraps go-chi/cors; the ops surface is read only so methods default to GET and OPTIONS
func CORS(o CORSOptions) func(http.Handler) http.Handler {
	methods := o.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodOptions}
	}
	return chicors.Handler(chicors.Options{
		AllowedOrigins: o.AllowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         o.MaxAge,
	})
}

// OpsDefaults is the middleware stack for the ops server
func OpsDefaults(origins []string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		RequestID(),
		RecoverJSON,
		AccessLogZerolog(AccessLogOptions{
			Slow:  time.Second,
			Quiet: []string{"/healthz", "/readyz", "/metrics"},
		}),
		CORS(CORSOptions{AllowedOrigins: origins, MaxAge: 300}),
	}
}
