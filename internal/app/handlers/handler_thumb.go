package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/streamgate/streamgate/internal/core/constants"
)

const (
	thumbTimeout = 30 * time.Second
	// Thumbnails never change for a given file, so clients may hold them
	// for a year.
	thumbCacheControl = "public, max-age=31536000"
)

// handleThumb serves /thumb/{id}. The whole path is feature-gated; when
// disabled the route answers with a notice instead of 404 so callers can
// tell the difference from a missing file.
func (a *Application) handleThumb(w http.ResponseWriter, r *http.Request) {
	if !a.cfg.Upstream.EnableThumbnails {
		writeJSON(w, http.StatusOK, map[string]string{
			"detail": "Thumbnails are disabled on this instance.",
		})
		return
	}

	dbID := r.PathValue("id")
	if blob, ok := a.thumbCache.Get(thumbCacheKey(dbID)); ok {
		serveThumb(w, blob)
		return
	}

	meta, str, err := a.resolve(r.Context(), dbID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), thumbTimeout)
	defer cancel()
	blob, err := str.Thumbnail(ctx, meta)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.thumbCache.Set(thumbCacheKey(dbID), blob)

	serveThumb(w, blob)
}

func serveThumb(w http.ResponseWriter, blob []byte) {
	w.Header().Set(constants.HeaderContentType, "image/jpeg")
	w.Header().Set(constants.HeaderContentLength, strconv.Itoa(len(blob)))
	w.Header().Set(constants.HeaderCacheControl, thumbCacheControl)
	w.WriteHeader(http.StatusOK)
	w.Write(blob) //nolint:errcheck
}
