package balancer

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/logger"
)

const (
	// SelectionCooldown is how long a client stays eligible for the
	// zero-load fast path after its last selection.
	SelectionCooldown = time.Second

	latencyWindowSize = 10

	loadWeight    = 0.6
	latencyWeight = 0.2
	idleWeight    = 0.2

	scoreFloor  = 0.1
	maxIdleGain = 5.0
)

// WeightedSelector picks an upstream client for each request using live
// work load, recent response latency and time since last use. Idle clients
// win outright; otherwise a weighted random draw keeps traffic spread
// without hotspotting the fastest client.
type WeightedSelector[T any] struct {
	workLoads *xsync.Map[int, *xsync.Counter]

	mu        sync.Mutex
	clients   map[int]T
	latencies map[int][]float64
	lastUsed  map[int]time.Time
	healthy   map[int]bool

	randFloat func() float64
	now       func() time.Time

	logger *logger.StyledLogger
}

func NewWeightedSelector[T any](lgr *logger.StyledLogger) *WeightedSelector[T] {
	return &WeightedSelector[T]{
		workLoads: xsync.NewMap[int, *xsync.Counter](),
		clients:   make(map[int]T),
		latencies: make(map[int][]float64),
		lastUsed:  make(map[int]time.Time),
		healthy:   make(map[int]bool),
		randFloat: rand.Float64,
		now:       time.Now,
		logger:    lgr,
	}
}

// SetClients replaces the client set the selector chooses from. Tracking
// state for retained clients survives the swap.
func (s *WeightedSelector[T]) SetClients(clients map[int]T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = make(map[int]T, len(clients))
	for id, c := range clients {
		s.clients[id] = c
	}
	s.reconcileLocked()
}

// Select returns the client to serve the next request.
func (s *WeightedSelector[T]) Select() (int, T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return 0, zero, fmt.Errorf("balancer: no clients registered")
	}
	s.reconcileLocked()

	now := s.now()

	avail := make([]int, 0, len(s.clients))
	for id := range s.clients {
		if s.healthy[id] {
			avail = append(avail, id)
		}
	}
	sort.Ints(avail)

	if len(avail) == 0 {
		// Every client is marked unhealthy. Serving degraded beats
		// refusing outright.
		all := make([]int, 0, len(s.clients))
		for id := range s.clients {
			all = append(all, id)
		}
		sort.Ints(all)
		id := all[int(s.randFloat()*float64(len(all)))%len(all)]
		s.logger.Warn("no healthy clients, selecting degraded", "client_id", id)
		s.lastUsed[id] = now
		return id, s.clients[id], nil
	}

	// Idle clients past the selection cooldown are the cheapest choice.
	idle := make([]int, 0, len(avail))
	for _, id := range avail {
		if s.loadOf(id) == 0 && now.Sub(s.lastUsed[id]) > SelectionCooldown {
			idle = append(idle, id)
		}
	}
	if len(idle) > 0 {
		id := idle[int(s.randFloat()*float64(len(idle)))%len(idle)]
		s.lastUsed[id] = now
		return id, s.clients[id], nil
	}

	scores := make([]float64, len(avail))
	total := 0.0
	for i, id := range avail {
		scores[i] = s.scoreLocked(id, now)
		total += scores[i]
	}

	target := s.randFloat() * total
	selected := avail[len(avail)-1]
	cumulative := 0.0
	for i, id := range avail {
		cumulative += scores[i]
		if target < cumulative {
			selected = id
			break
		}
	}

	s.lastUsed[selected] = now
	return selected, s.clients[selected], nil
}

// RecordResponseTime feeds one observed upstream latency into the client's
// bounded window.
func (s *WeightedSelector[T]) RecordResponseTime(clientID int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := append(s.latencies[clientID], elapsed.Seconds())
	if len(window) > latencyWindowSize {
		window = window[len(window)-latencyWindowSize:]
	}
	s.latencies[clientID] = window
}

func (s *WeightedSelector[T]) MarkHealthy(clientID int) {
	s.setHealth(clientID, true)
}

func (s *WeightedSelector[T]) MarkUnhealthy(clientID int) {
	s.setHealth(clientID, false)
}

// IncrementLoad records a stream starting on the client.
func (s *WeightedSelector[T]) IncrementLoad(clientID int) {
	s.counterFor(clientID).Inc()
}

// DecrementLoad records a stream finishing on the client.
func (s *WeightedSelector[T]) DecrementLoad(clientID int) {
	s.counterFor(clientID).Dec()
}

// Status exports the per-client snapshot served on the status endpoint.
func (s *WeightedSelector[T]) Status() map[int]domain.ClientStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[int]domain.ClientStatus, len(s.clients))
	for id := range s.clients {
		out[id] = domain.ClientStatus{
			WorkLoad:         s.loadOf(id),
			Healthy:          s.healthy[id],
			AvgResponseTime:  s.avgLatencyLocked(id),
			TimeSinceLastUse: now.Sub(s.lastUsed[id]).Seconds(),
		}
	}
	return out
}

// WorkLoad returns the live stream count for one client.
func (s *WeightedSelector[T]) WorkLoad(clientID int) int64 {
	return s.loadOf(clientID)
}

func (s *WeightedSelector[T]) setHealth(clientID int, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy[clientID] = healthy
	if !healthy {
		s.logger.Warn("client marked unhealthy", "client_id", clientID)
	}
}

// scoreLocked weighs load inverse-proportionally, rewards low latency and
// adds a capped bonus for time since last selection so equal-load clients
// don't get picked in lock step.
func (s *WeightedSelector[T]) scoreLocked(clientID int, now time.Time) float64 {
	load := float64(s.loadOf(clientID))
	if load < 1 {
		load = 1
	}

	latency := s.avgLatencyLocked(clientID)
	if latency < scoreFloor {
		latency = scoreFloor
	}

	idle := now.Sub(s.lastUsed[clientID]).Seconds() / SelectionCooldown.Seconds()
	if idle > maxIdleGain {
		idle = maxIdleGain
	}

	score := loadWeight*(1/load) + latencyWeight*(1/latency) + idleWeight*idle
	if score < scoreFloor {
		score = scoreFloor
	}
	return score
}

func (s *WeightedSelector[T]) avgLatencyLocked(clientID int) float64 {
	window := s.latencies[clientID]
	if len(window) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

func (s *WeightedSelector[T]) reconcileLocked() {
	for id := range s.clients {
		if _, ok := s.healthy[id]; !ok {
			s.healthy[id] = true
		}
		if _, ok := s.lastUsed[id]; !ok {
			s.lastUsed[id] = time.Time{}
		}
		s.counterFor(id)
	}
}

func (s *WeightedSelector[T]) counterFor(clientID int) *xsync.Counter {
	counter, _ := s.workLoads.LoadOrCompute(clientID, func() (*xsync.Counter, bool) {
		return xsync.NewCounter(), false
	})
	return counter
}

func (s *WeightedSelector[T]) loadOf(clientID int) int64 {
	return s.counterFor(clientID).Value()
}
