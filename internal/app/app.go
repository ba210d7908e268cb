package app

/*
				Streamgate Application
	Owns the lifecycle: store, upstream clients with their session pools
	and streamers, the selector and the HTTP server. Construction order
	matters; teardown runs in reverse.
*/

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/streamgate/streamgate/internal/adapter/balancer"
	"github.com/streamgate/streamgate/internal/adapter/platform"
	"github.com/streamgate/streamgate/internal/adapter/platform/wire"
	"github.com/streamgate/streamgate/internal/adapter/render"
	mongostore "github.com/streamgate/streamgate/internal/adapter/store/mongo"
	"github.com/streamgate/streamgate/internal/adapter/streamer"
	"github.com/streamgate/streamgate/internal/app/handlers"
	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/logger"
	"github.com/streamgate/streamgate/internal/version"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	cfg    *config.Config
	logger *logger.StyledLogger

	store     *mongostore.Store
	clients   []*platform.Client
	pools     []*platform.SessionPool
	streamers []*streamer.Streamer

	application *handlers.Application
	server      *http.Server

	cancel context.CancelFunc
}

// New wires the full gateway from configuration.
func New(ctx context.Context, cfg *config.Config, styled *logger.StyledLogger) (*App, error) {
	runCtx, cancel := context.WithCancel(ctx)

	a := &App{cfg: cfg, logger: styled, cancel: cancel}
	if err := a.build(runCtx); err != nil {
		cancel()
		a.teardown()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	store, err := mongostore.Connect(ctx, a.cfg.Store.DatabaseURL, a.cfg.Store.SessionName, a.logger)
	if err != nil {
		return err
	}
	a.store = store

	dcAddrs, err := a.cfg.Upstream.ParseDCAddrs()
	if err != nil {
		return fmt.Errorf("parsing DC addresses: %w", err)
	}
	if len(dcAddrs) == 0 {
		return errors.New("no upstream DC addresses configured")
	}
	dialer := wire.NewTCPDialer(dcAddrs)
	bootstrapDC := lowestDC(dcAddrs)

	selector := balancer.NewWeightedSelector[*streamer.Streamer](a.logger)

	clientCount := 1
	if a.cfg.Upstream.MultiClient {
		clientCount = a.cfg.Upstream.Workers
	}

	clients := make(map[int]*streamer.Streamer, clientCount)
	for id := 0; id < clientCount; id++ {
		client, err := platform.Connect(ctx, id, bootstrapDC, dialer, a.logger)
		if err != nil {
			if id == 0 {
				return fmt.Errorf("connecting primary client: %w", err)
			}
			// Secondary clients are bandwidth, not correctness; run with
			// what connected.
			a.logger.Warn("secondary client failed to connect, continuing without it",
				"client_id", id, "error", err)
			continue
		}
		a.clients = append(a.clients, client)

		pool := platform.NewSessionPool(client, dialer, a.logger)
		pool.Start(ctx)
		a.pools = append(a.pools, pool)

		str := streamer.New(client, pool, store, selector, selector,
			a.cfg.Upstream.LogChannel, a.logger)
		str.Start(ctx)
		a.streamers = append(a.streamers, str)
		clients[id] = str
	}
	selector.SetClients(clients)
	a.logger.InfoWithCount("upstream clients connected", len(clients))

	renderer, err := render.New()
	if err != nil {
		return err
	}

	a.application = handlers.NewApplication(handlers.Options{
		Config:      a.cfg,
		Selector:    selector,
		Renderer:    renderer,
		Logger:      a.logger,
		BotUsername: a.clients[0].Username,
		Version:     version.Version,
	})
	a.server = a.application.NewServer()
	return nil
}

// Start brings the listener up and blocks until ctx is cancelled or the
// server fails.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Upstream.IsSecondary() {
		a.logger.Info("running in secondary mode, primary instance owns bot commands")
	}
	a.logger.Info("gateway listening",
		"address", a.cfg.Server.GetAddress(),
		"public_url", a.cfg.Server.PublicURL(),
		"bot", "@"+a.clients[0].Username)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Stop shuts the gateway down in reverse construction order.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown", "error", err)
		}
	}
	a.cancel()
	a.teardown()
	a.logger.Info("gateway stopped")
}

func (a *App) teardown() {
	if a.application != nil {
		a.application.Close()
	}
	for _, str := range a.streamers {
		str.Stop()
	}
	for _, pool := range a.pools {
		pool.Close()
	}
	for _, client := range a.clients {
		client.Close() //nolint:errcheck
	}
	if a.store != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.store.Close(closeCtx) //nolint:errcheck
		cancel()
	}
}

func lowestDC(addrs map[int]string) int {
	ids := make([]int, 0, len(addrs))
	for id := range addrs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids[0]
}
