package platform

import (
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/streamgate/streamgate/internal/core/ports"
)

// Session is one media channel to a DC, owned by one client. All counters
// are atomics; the pool reads them without holding its lock.
type Session struct {
	ID       string
	ClientID int
	DCID     int

	conn ports.Conn

	inUse         atomic.Bool
	retryCount    atomic.Int32
	socketErrors  atomic.Int32
	cooldownUntil atomic.Int64 // unix seconds, 0 = none
	closed        atomic.Bool
}

func newSession(clientID, dcID int, conn ports.Conn) *Session {
	return &Session{
		ID:       xid.New().String(),
		ClientID: clientID,
		DCID:     dcID,
		conn:     conn,
	}
}

// Conn exposes the underlying RPC channel for chunk fetches.
func (s *Session) Conn() ports.Conn {
	return s.conn
}

// tryAcquire flips the session to in-use if it was idle.
func (s *Session) tryAcquire() bool {
	return s.inUse.CompareAndSwap(false, true)
}

func (s *Session) release() {
	s.inUse.Store(false)
}

func (s *Session) InUse() bool {
	return s.inUse.Load()
}

func (s *Session) RetryCount() int32 {
	return s.retryCount.Load()
}

// RecordRetry notes one failed chunk attempt on this session.
func (s *Session) RecordRetry() {
	s.retryCount.Add(1)
}

func (s *Session) SocketErrors() int32 {
	return s.socketErrors.Load()
}

// InCooldown reports whether the session is benched at the given instant.
func (s *Session) InCooldown(now time.Time) bool {
	until := s.cooldownUntil.Load()
	return until > 0 && now.Unix() < until
}

func (s *Session) startCooldown(until time.Time) {
	s.cooldownUntil.Store(until.Unix())
}

// liftCooldown clears an elapsed cooldown; returns true if one was lifted.
func (s *Session) liftCooldown(now time.Time) bool {
	until := s.cooldownUntil.Load()
	if until > 0 && now.Unix() >= until {
		return s.cooldownUntil.CompareAndSwap(until, 0)
	}
	return false
}

// decaySocketErrors drops a sub-threshold error count by one.
func (s *Session) decaySocketErrors(threshold int32) {
	for {
		current := s.socketErrors.Load()
		if current <= 0 || current >= threshold {
			return
		}
		if s.socketErrors.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func (s *Session) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
