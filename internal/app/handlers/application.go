package handlers

/*
				Streamgate Handlers - HTTP surface
	Thin handlers over the selector, the streamers and the caches. Request
	semantics live here: range parsing, response headers, cache keys and the
	resolve-with-failover dance when a client's view of a file has gone
	stale.
*/

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/streamgate/streamgate/internal/adapter/cache"
	"github.com/streamgate/streamgate/internal/adapter/streamer"
	"github.com/streamgate/streamgate/internal/app/middleware"
	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/core/constants"
	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/core/ports"
	"github.com/streamgate/streamgate/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Selector is the client selection surface the handlers drive.
type Selector interface {
	Select() (int, *streamer.Streamer, error)
	MarkHealthy(clientID int)
	MarkUnhealthy(clientID int)
	RecordResponseTime(clientID int, elapsed time.Duration)
	Status() map[int]domain.ClientStatus
}

// CachedResponse is a headers-only response snapshot held in the response
// cache for initial-range requests.
type CachedResponse struct {
	Status  int
	Headers map[string]string
}

type Application struct {
	cfg      *config.Config
	selector Selector
	renderer ports.PageRenderer
	logger   *logger.StyledLogger

	respCache  *cache.Cache[CachedResponse]
	pageCache  *cache.Cache[string]
	metaCache  *cache.Cache[*domain.FileMetadata]
	thumbCache *cache.Cache[[]byte]

	botUsername string
	started     time.Time
	version     string
}

type Options struct {
	Config      *config.Config
	Selector    Selector
	Renderer    ports.PageRenderer
	Logger      *logger.StyledLogger
	BotUsername string
	Version     string
}

func NewApplication(opts Options) *Application {
	cacheSize := opts.Config.Server.CacheSize
	cacheTTL := opts.Config.Server.CacheTTL

	return &Application{
		cfg:      opts.Config,
		selector: opts.Selector,
		renderer: opts.Renderer,
		logger:   opts.Logger,

		respCache:  cache.New[CachedResponse](cacheSize, cacheTTL, opts.Logger),
		pageCache:  cache.New[string](cacheSize, cacheTTL, opts.Logger),
		thumbCache: cache.New[[]byte](cacheSize, cacheTTL, opts.Logger),
		// Metadata is far more expensive to recompute than a page render,
		// so it gets a larger and longer-lived cache.
		metaCache: cache.New[*domain.FileMetadata](cacheSize*5, cacheTTL*2, opts.Logger),

		botUsername: opts.BotUsername,
		started:     time.Now(),
		version:     opts.Version,
	}
}

// Close stops the cache sweepers.
func (a *Application) Close() {
	a.respCache.Stop()
	a.pageCache.Stop()
	a.metaCache.Stop()
	a.thumbCache.Stop()
}

// resolve picks a client and resolves the file through it, falling over to
// a second client once when the first fails. The failing client is marked
// unhealthy; a failure on the second try surfaces as-is.
func (a *Application) resolve(ctx context.Context, dbID string) (*domain.FileMetadata, *streamer.Streamer, error) {
	clientID, str, err := a.selector.Select()
	if err != nil {
		return nil, nil, err
	}

	meta, err := a.resolveVia(ctx, str, dbID)
	if err == nil {
		a.selector.MarkHealthy(clientID)
		return meta, str, nil
	}
	if errors.Is(err, domain.ErrFileNotFound) || errors.Is(err, domain.ErrUnavailable) ||
		errors.Is(err, context.Canceled) {
		return nil, nil, err
	}

	a.selector.MarkUnhealthy(clientID)
	a.logger.Warn("resolve failed, retrying on another client",
		"db_id", dbID, "client_id", clientID, "error", err)

	retryID, retryStr, err := a.selector.Select()
	if err != nil {
		return nil, nil, err
	}
	meta, err = a.resolveVia(ctx, retryStr, dbID)
	if err != nil {
		return nil, nil, err
	}
	a.selector.MarkHealthy(retryID)
	return meta, retryStr, nil
}

// resolveVia consults the shared metadata cache before asking the
// streamer. Entries are per client because handles are.
func (a *Application) resolveVia(ctx context.Context, str *streamer.Streamer, dbID string) (*domain.FileMetadata, error) {
	key := metaCacheKey(dbID, str.ClientID())
	if meta, ok := a.metaCache.Get(key); ok {
		return meta, nil
	}

	meta, err := str.Resolve(ctx, dbID)
	if err != nil {
		return nil, err
	}
	a.metaCache.Set(key, meta)
	return meta, nil
}

func metaCacheKey(dbID string, clientID int) string {
	return "meta_" + dbID + "_" + strconv.Itoa(clientID)
}

func initCacheKey(dbID string) string {
	return "dl_" + dbID + "_init"
}

func watchCacheKey(dbID string) string {
	return "watch_" + dbID
}

func thumbCacheKey(dbID string) string {
	return "thumb_" + dbID
}

// writeError maps the error taxonomy onto HTTP statuses with stable
// messages.
func (a *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, domain.ErrFileNotFound):
		middleware.WriteJSONError(w, http.StatusNotFound, "File not found.")
	case errors.Is(err, domain.ErrInvalidHash):
		middleware.WriteJSONError(w, http.StatusForbidden, "Invalid or expired link.")
	case errors.Is(err, domain.ErrUnavailable):
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "File temporarily unavailable, try again later.")
	default:
		var streamErr *domain.StreamError
		if errors.As(err, &streamErr) {
			a.logger.Error("stream failed", "path", r.URL.Path, "error", err)
			middleware.WriteJSONError(w, http.StatusServiceUnavailable, "Upstream transfer failed, try again later.")
			return
		}
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "An unexpected error occurred.")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	body, _ := json.Marshal(v) //nolint:errchkjson
	w.Write(body)              //nolint:errcheck
}
