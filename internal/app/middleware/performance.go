package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/streamgate/streamgate/internal/core/constants"
	"github.com/streamgate/streamgate/internal/logger"
)

const slowRequestThreshold = 5 * time.Second

// Performance tags each request with an id, stamps X-Response-Time on the
// way out and logs anything that took longer than 5 s. The header carries
// the time to first byte; streams keep writing long after it is sent.
func Performance(lgr *logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			requestID := xid.New().String()
			w.Header().Set(constants.HeaderRequestID, requestID)

			rec := &responseRecorder{
				ResponseWriter: w,
				beforeWrite: func(rec *responseRecorder) {
					rec.Header().Set(constants.HeaderResponseTime,
						fmt.Sprintf("%.3fs", time.Since(started).Seconds()))
				},
			}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(started)
			if elapsed > slowRequestThreshold {
				lgr.Warn("slow request",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"duration", elapsed.Round(time.Millisecond))
			}
		})
	}
}
