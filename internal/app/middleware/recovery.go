package middleware

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/streamgate/streamgate/internal/logger"
)

const unexpectedErrorMessage = "An unexpected error occurred."

// Recovery is the outermost middleware: it turns panics into a stable 500
// body and keeps the goroutine alive. Aborted connections re-panic so the
// server can finish tearing the request down.
func Recovery(lgr *logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok {
					if errors.Is(err, http.ErrAbortHandler) || errors.Is(err, context.Canceled) {
						panic(rec)
					}
				}

				lgr.Error("panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))
				WriteJSONError(w, http.StatusInternalServerError, unexpectedErrorMessage)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
