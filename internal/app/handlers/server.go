package handlers

import (
	"net/http"
	"time"

	"github.com/streamgate/streamgate/internal/app/middleware"
)

// Routes assembles the HTTP surface with the middleware chain applied
// outermost-first: recovery, rate limit, timeout, performance.
func (a *Application) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /watch/{id}", a.handleWatch)
	mux.HandleFunc("GET /dl/{id}", a.handleDownload)
	mux.HandleFunc("GET /thumb/{id}", a.handleThumb)
	mux.HandleFunc("/", a.handleNotFound)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerWindow: a.cfg.Server.RateLimit,
		BurstLimit:        a.cfg.Server.BurstLimit,
		GlobalLimit:       a.cfg.Server.MaxClients,
	}, a.logger)

	return middleware.Chain(mux,
		middleware.Recovery(a.logger),
		limiter.Middleware,
		middleware.Timeout(a.cfg.Server.RequestTimeout),
		middleware.Performance(a.logger),
	)
}

func (a *Application) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/status", http.StatusTemporaryRedirect)
}

func (a *Application) handleNotFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSONError(w, http.StatusNotFound, "Route not found.")
}

// NewServer builds the listener. The write timeout stays unset: streams
// legitimately run for minutes and the timeout middleware already bounds
// each request.
func (a *Application) NewServer() *http.Server {
	return &http.Server{
		Addr:              a.cfg.Server.GetAddress(),
		Handler:           a.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
