package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const defaultHandlerTimeout = 60 * time.Second

// Timeout bounds each request with a deadline: streamTimeout for the
// streaming routes, 60 s for everything else. Handlers observe the
// deadline through the request context; a request that expires before any
// byte went out gets a 504 instead of a hung connection.
func Timeout(streamTimeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := defaultHandlerTimeout
			if strings.HasPrefix(r.URL.Path, "/dl/") || strings.HasPrefix(r.URL.Path, "/watch/") {
				limit = streamTimeout
			}

			ctx, cancel := context.WithTimeout(r.Context(), limit)
			defer cancel()

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			if !rec.wroteHeader && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				WriteJSONError(rec, http.StatusGatewayTimeout, "Request timed out.")
			}
		})
	}
}
