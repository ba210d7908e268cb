package platform

/*
				Streamgate Platform - per-DC session pool
	Media sessions are expensive to establish, worse so for foreign DCs
	where authorization must be exported and imported. The pool caps
	sessions per DC, benches sessions that accumulate socket errors and
	replaces them in the background.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/core/ports"
	"github.com/streamgate/streamgate/internal/logger"
)

const (
	MaxSessionsPerDC     = 5
	MaxSessionRetries    = 3
	SocketErrorThreshold = 5
	SessionCooldown      = 300 * time.Second

	acquireWaitAttempts = 10
	acquireWaitStep     = time.Second

	authImportAttempts = 6

	cleanInterval       = 300 * time.Second
	healthCheckInterval = 600 * time.Second
)

var ErrPoolClosed = errors.New("session pool closed")

// SessionPool manages media sessions for one client, keyed by DC.
type SessionPool struct {
	client *Client
	dialer ports.Dialer
	logger *logger.StyledLogger

	mu       sync.Mutex
	sessions map[int][]*Session
	closed   bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewSessionPool(client *Client, dialer ports.Dialer, lgr *logger.StyledLogger) *SessionPool {
	return &SessionPool{
		client:   client,
		dialer:   dialer,
		logger:   lgr,
		sessions: make(map[int][]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the cleanup and health check loops.
func (p *SessionPool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.runTicker(ctx, cleanInterval, p.CleanSessions)
	go p.runTicker(ctx, healthCheckInterval, p.HealthCheck)
}

func (p *SessionPool) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Acquire hands out an idle session for dcID, creating one when the pool
// is under cap. When the pool is saturated it waits, then forcibly shares
// a session rather than failing the request.
func (p *SessionPool) Acquire(ctx context.Context, dcID int) (*Session, error) {
	if s, done, err := p.tryAcquireOrCreate(ctx, dcID); done {
		return s, err
	}

	for attempt := 0; attempt < acquireWaitAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireWaitStep):
		}
		if s, done, err := p.tryAcquireOrCreate(ctx, dcID); done {
			return s, err
		}
	}

	return p.forceReuse(dcID)
}

// tryAcquireOrCreate returns done=false only when the pool is at cap with
// no idle session.
func (p *SessionPool) tryAcquireOrCreate(ctx context.Context, dcID int) (*Session, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, true, ErrPoolClosed
	}

	now := time.Now()
	for _, s := range p.sessions[dcID] {
		s.liftCooldown(now)
		if s.RetryCount() >= MaxSessionRetries || s.InCooldown(now) {
			continue
		}
		if s.tryAcquire() {
			p.mu.Unlock()
			return s, true, nil
		}
	}

	if len(p.sessions[dcID]) >= MaxSessionsPerDC {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.mu.Unlock()

	s, err := p.generate(ctx, dcID)
	if err != nil {
		return nil, true, err
	}
	s.tryAcquire()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close() //nolint:errcheck
		return nil, true, ErrPoolClosed
	}
	p.sessions[dcID] = append(p.sessions[dcID], s)
	p.mu.Unlock()

	return s, true, nil
}

// forceReuse shares an in-use session when the pool stayed saturated past
// the wait window. Chunk fetches serialize on the shared connection.
func (p *SessionPool) forceReuse(dcID int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	pool := p.sessions[dcID]
	if len(pool) == 0 {
		return nil, fmt.Errorf("session pool: no sessions for DC %d", dcID)
	}

	now := time.Now()
	chosen := pool[0]
	for _, s := range pool {
		if !s.InCooldown(now) {
			chosen = s
			break
		}
	}

	p.logger.WarnWithClient("session pool saturated, sharing session", p.client.ID,
		"dc_id", dcID, "session_id", chosen.ID)
	return chosen, nil
}

// Release returns a session to the pool.
func (p *SessionPool) Release(s *Session) {
	if s != nil {
		s.release()
	}
}

// generate opens a media session to dcID. Foreign DCs need the
// authorization exported from the home DC and imported on the new channel;
// the upstream occasionally rejects fresh exports, so the import retries
// with a re-export each time.
func (p *SessionPool) generate(ctx context.Context, dcID int) (*Session, error) {
	conn, err := p.dialer.Dial(ctx, dcID, true)
	if err != nil {
		return nil, fmt.Errorf("session pool: open media session to DC %d: %w", dcID, err)
	}

	if dcID != p.client.HomeDC {
		if err := p.importAuthorization(ctx, conn, dcID); err != nil {
			conn.Close() //nolint:errcheck
			return nil, err
		}
	}

	s := newSession(p.client.ID, dcID, conn)
	p.logger.InfoWithClient("media session established", p.client.ID,
		"dc_id", dcID, "session_id", s.ID)
	return s, nil
}

func (p *SessionPool) importAuthorization(ctx context.Context, conn ports.Conn, dcID int) error {
	var lastErr error
	for attempt := 1; attempt <= authImportAttempts; attempt++ {
		auth, err := p.client.ExportAuthorization(ctx, dcID)
		if err != nil {
			lastErr = err
			continue
		}
		err = p.client.ImportAuthorization(ctx, conn, auth)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrAuthBytesInvalid) {
			break
		}
		p.logger.WarnWithClient("auth import rejected, re-exporting", p.client.ID,
			"dc_id", dcID, "attempt", attempt)
	}
	return &domain.AuthExchangeError{DCID: dcID, Attempts: authImportAttempts, Err: lastErr}
}

// HandleSocketError records a connection-level failure on the session. At
// the threshold the session is benched for the cooldown window and a
// replacement is spawned in the background.
func (p *SessionPool) HandleSocketError(s *Session, cause error) {
	count := s.socketErrors.Add(1)
	p.logger.WarnWithClient("session socket error", p.client.ID,
		"dc_id", s.DCID, "session_id", s.ID, "count", count, "error", cause)

	if count < SocketErrorThreshold {
		return
	}

	s.startCooldown(time.Now().Add(SessionCooldown))
	s.socketErrors.Store(0)
	p.logger.WarnWithClient("session benched", p.client.ID,
		"dc_id", s.DCID, "session_id", s.ID, "cooldown", SessionCooldown)

	p.wg.Add(1)
	go func(dcID int) {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.spawnReplacement(ctx, dcID)
	}(s.DCID)
}

func (p *SessionPool) spawnReplacement(ctx context.Context, dcID int) {
	p.mu.Lock()
	if p.closed || len(p.sessions[dcID]) >= MaxSessionsPerDC {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	s, err := p.generate(ctx, dcID)
	if err != nil {
		p.logger.WarnWithClient("replacement session failed", p.client.ID,
			"dc_id", dcID, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.sessions[dcID]) >= MaxSessionsPerDC {
		s.close() //nolint:errcheck
		return
	}
	p.sessions[dcID] = append(p.sessions[dcID], s)
}

// CleanSessions closes idle sessions that have exhausted their retries or
// error budget, keeping at least one session per DC.
func (p *SessionPool) CleanSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for dcID, pool := range p.sessions {
		if len(pool) <= 1 {
			continue
		}

		kept := pool[:0]
		for _, s := range pool {
			broken := s.RetryCount() >= MaxSessionRetries || s.SocketErrors() >= SocketErrorThreshold
			if broken && !s.InUse() {
				s.close() //nolint:errcheck
				p.logger.InfoWithClient("closed worn session", p.client.ID,
					"dc_id", dcID, "session_id", s.ID,
					"retries", s.RetryCount(), "socket_errors", s.SocketErrors())
				continue
			}
			kept = append(kept, s)
		}
		p.sessions[dcID] = kept
	}
}

// HealthCheck lifts elapsed cooldowns and decays sub-threshold socket
// error counts so a single bad minute doesn't haunt a session forever.
func (p *SessionPool) HealthCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for dcID, pool := range p.sessions {
		for _, s := range pool {
			if s.liftCooldown(now) {
				p.logger.InfoWithClient("session cooldown lifted", p.client.ID,
					"dc_id", dcID, "session_id", s.ID)
			}
			s.decaySocketErrors(SocketErrorThreshold)
		}
	}
}

// SessionCount reports how many sessions exist for a DC.
func (p *SessionPool) SessionCount(dcID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[dcID])
}

// Close stops the background loops and closes every session.
func (p *SessionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[int][]*Session)
	p.mu.Unlock()

	close(p.stopCh)
	for _, pool := range sessions {
		for _, s := range pool {
			s.close() //nolint:errcheck
		}
	}
	p.wg.Wait()
}
