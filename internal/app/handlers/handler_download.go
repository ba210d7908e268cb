package handlers

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/streamgate/streamgate/internal/adapter/streamer"
	"github.com/streamgate/streamgate/internal/app/middleware"
	"github.com/streamgate/streamgate/internal/core/constants"
	"github.com/streamgate/streamgate/internal/core/domain"
)

const initRangeSnapshotLimit = 1 << 20

// handleDownload serves /dl/{id}: full downloads and byte ranges.
func (a *Application) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbID := r.PathValue("id")
	rangeHeader := r.Header.Get(constants.HeaderRange)

	// Repeat initial-range probes are answered from the header snapshot;
	// the body stays empty and the player re-requests the real bytes.
	if isInitialRange(rangeHeader) {
		if cached, ok := a.respCache.Get(initCacheKey(dbID)); ok {
			for name, value := range cached.Headers {
				w.Header().Set(name, value)
			}
			w.WriteHeader(cached.Status)
			return
		}
	}

	resolveStart := time.Now()
	meta, str, err := a.resolve(ctx, dbID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.selector.RecordResponseTime(str.ClientID(), time.Since(resolveStart))

	if err := validateHash(r, meta); err != nil {
		a.writeError(w, r, err)
		return
	}

	from, until, hasRange, err := parseRange(rangeHeader, meta.Size)
	if err != nil {
		w.Header().Set(constants.HeaderContentRange, fmt.Sprintf("bytes */%d", meta.Size))
		middleware.WriteJSONError(w, http.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable.")
		return
	}

	chunkSize := a.cfg.Upstream.ChunkSize
	rng := streamer.ComputeRange(from, until, chunkSize)

	status := http.StatusOK
	headers := make(http.Header)
	headers.Set(constants.HeaderContentType, contentTypeOf(meta))
	headers.Set(constants.HeaderAcceptRanges, "bytes")
	headers.Set(constants.HeaderCacheControl, "public, max-age=3600")
	headers.Set(constants.HeaderContentLength, strconv.FormatInt(rng.Length, 10))
	headers.Set(constants.HeaderContentDisposition, dispositionOf(meta))
	if hasRange {
		status = http.StatusPartialContent
		headers.Set(constants.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", from, until, meta.Size))
	}

	if r.Method == http.MethodHead {
		copyHeaders(w.Header(), headers)
		w.WriteHeader(status)
		return
	}

	dw := &deferredWriter{w: w, status: status, headers: headers}
	if err := str.Stream(ctx, meta, rng, chunkSize, dw); err != nil {
		if !dw.wrote {
			a.writeError(w, r, err)
		}
		return
	}
	if !dw.wrote {
		dw.commit()
	}
	a.selector.MarkHealthy(str.ClientID())

	if isInitialRange(rangeHeader) && rng.Length < initRangeSnapshotLimit {
		a.respCache.Set(initCacheKey(dbID), CachedResponse{
			Status:  status,
			Headers: snapshotHeaders(headers),
		})
	}
}

// deferredWriter holds back the status line and the streaming headers
// until the first body byte, so a failure on the first chunk can still
// surface a real error response on a clean header map.
type deferredWriter struct {
	w       http.ResponseWriter
	status  int
	headers http.Header
	wrote   bool
}

func (d *deferredWriter) commit() {
	d.wrote = true
	copyHeaders(d.w.Header(), d.headers)
	d.w.WriteHeader(d.status)
}

func (d *deferredWriter) Write(p []byte) (int, error) {
	if !d.wrote {
		d.commit()
	}
	n, err := d.w.Write(p)
	if err == nil {
		if f, ok := d.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return n, err
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = values
	}
}

func isInitialRange(header string) bool {
	return strings.HasPrefix(header, "bytes=0-")
}

// parseRange parses a Range header against the file size. hasRange is
// false for an absent header; err marks an unsatisfiable range.
func parseRange(header string, size int64) (from, until int64, hasRange bool, err error) {
	if header == "" {
		return 0, size - 1, false, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, true, domain.ErrRangeNotSatisfiable
	}

	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, true, domain.ErrRangeNotSatisfiable
	}

	if start == "" {
		// Suffix form: the final N bytes.
		suffix, parseErr := strconv.ParseInt(end, 10, 64)
		if parseErr != nil || suffix <= 0 {
			return 0, 0, true, domain.ErrRangeNotSatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, true, nil
	}

	from, err = strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, 0, true, domain.ErrRangeNotSatisfiable
	}

	until = size - 1
	if end != "" {
		until, err = strconv.ParseInt(end, 10, 64)
		if err != nil {
			return 0, 0, true, domain.ErrRangeNotSatisfiable
		}
	}

	if from < 0 || until > size {
		return 0, 0, true, domain.ErrRangeNotSatisfiable
	}
	// An end of exactly size is tolerated and clamped to the last byte.
	if until >= size {
		until = size - 1
	}
	if until < from {
		return 0, 0, true, domain.ErrRangeNotSatisfiable
	}
	return from, until, true, nil
}

// validateHash checks the short link hash when the request carries one.
func validateHash(r *http.Request, meta *domain.FileMetadata) error {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		return nil
	}
	if meta.UniqueID == "" || len(hash) > len(meta.UniqueID) || !strings.HasPrefix(meta.UniqueID, hash) {
		return domain.ErrInvalidHash
	}
	return nil
}

func contentTypeOf(meta *domain.FileMetadata) string {
	if meta.MimeType != "" {
		return meta.MimeType
	}
	if mt := mime.TypeByExtension(filepath.Ext(meta.Name)); mt != "" {
		return mt
	}
	return constants.ContentTypeBinary
}

func dispositionOf(meta *domain.FileMetadata) string {
	kind := "attachment"
	if strings.HasPrefix(meta.MimeType, "video/") || strings.HasPrefix(meta.MimeType, "audio/") {
		kind = "inline"
	}
	name := meta.Name
	if name == "" {
		name = meta.DBID
	}
	return mime.FormatMediaType(kind, map[string]string{"filename": name})
}

func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		// Per-request headers don't belong in the snapshot.
		if name == constants.HeaderRequestID || name == constants.HeaderResponseTime {
			continue
		}
		out[name] = h.Get(name)
	}
	return out
}
