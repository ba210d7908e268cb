package handlers

import (
	"net/http"

	"github.com/streamgate/streamgate/internal/core/constants"
)

// handleWatch serves /watch/{id}: the in-browser player page. Rendered
// pages are cached; the page itself only embeds the download URL, so a
// cached page stays correct for the file's lifetime.
func (a *Application) handleWatch(w http.ResponseWriter, r *http.Request) {
	dbID := r.PathValue("id")

	if page, ok := a.pageCache.Get(watchCacheKey(dbID)); ok {
		serveHTML(w, r, page)
		return
	}

	meta, _, err := a.resolve(r.Context(), dbID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	page, err := a.renderer.RenderWatchPage(r.Context(), meta, a.cfg.Server.PublicURL())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.pageCache.Set(watchCacheKey(dbID), page)
	serveHTML(w, r, page)
}

func serveHTML(w http.ResponseWriter, r *http.Request, page string) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeHTML)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte(page)) //nolint:errcheck
	}
}
