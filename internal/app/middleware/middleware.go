package middleware

import (
	"bufio"
	"net"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/streamgate/streamgate/internal/core/constants"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Chain applies middlewares outermost-first: Chain(h, a, b) runs a, then b,
// then h.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// WriteJSONError emits the stable error body for a failed request.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]any{ //nolint:errchkjson
		"error":  http.StatusText(status),
		"detail": message,
	})
	w.Write(body) //nolint:errcheck
}

// responseRecorder tracks status and first-byte state while passing
// streaming capabilities through.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	beforeWrite func(rec *responseRecorder)
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	if r.beforeWrite != nil {
		r.beforeWrite(r)
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
