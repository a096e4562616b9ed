package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSOptions echoes the caller's origin, method and headers. Credentials
// are carried explicitly in Authorization, so any origin may call the API.
func CORSOptions() cors.Options {
	return cors.Options{
		AllowOriginFunc: func(*http.Request, string) bool { return true },
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"WWW-Authenticate", "X-ApiOx-Request-Id", "Location"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// CORS applies CORSOptions.
func CORS() func(http.Handler) http.Handler {
	return cors.Handler(CORSOptions())
}
