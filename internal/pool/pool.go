// Package pool manages outbound grpc connections to peer nodes: per-node
// session state, reconnect backoff, health probing, and primary
// selection.
package pool

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// State is a per-node session state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticating
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Authenticating:
		return "AUTHENTICATING"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Health tracks a session's ping/RTT history.
type Health struct {
	LastRTT             time.Duration
	ConsecutiveFailures int
	Attempts            int
}

// Config tunes reconnect/backoff behaviour.
type Config struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxAttempts       int
	DialTimeout       time.Duration
}

// DefaultConfig supplies the suggested reconnect/backoff defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    200 * time.Millisecond,
		MaxReconnectDelay: 10 * time.Second,
		MaxAttempts:       8,
		DialTimeout:       5 * time.Second,
	}
}

// session is one node's pooled connection and bookkeeping.
type session struct {
	mu     sync.Mutex
	nodeID string
	addr   string
	state  State
	health Health
	conn   *grpc.ClientConn
}

// Pool manages sessions for a fixed address book of peer nodes.
type Pool struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, sessions: make(map[string]*session)}
}

// AddNode registers a peer at addr, in the Disconnected state.
func (p *Pool) AddNode(nodeID, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[nodeID] = &session{nodeID: nodeID, addr: addr, state: Disconnected}
}

// State returns the current state of nodeID, or Disconnected if unknown.
func (p *Pool) State(nodeID string) State {
	p.mu.RLock()
	s, ok := p.sessions[nodeID]
	p.mu.RUnlock()
	if !ok {
		return Disconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dial connects (or returns the existing connection) for nodeID,
// transitioning Disconnected/Reconnecting -> Connecting -> Connected, and
// satisfies routing.ConnDialer.
func (p *Pool) Dial(ctx context.Context, nodeID string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	s, ok := p.sessions[nodeID]
	p.mu.RUnlock()
	if !ok {
		return nil, &UnknownNodeError{NodeID: nodeID}
	}

	s.mu.Lock()
	if s.conn != nil && s.state == Connected {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.state = Connecting
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, s.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithBlock(),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.Attempts++
	if err != nil {
		s.health.ConsecutiveFailures++
		s.state = Failed
		return nil, err
	}
	s.conn = conn
	s.state = Connected
	s.health.ConsecutiveFailures = 0
	return conn, nil
}

// ReconnectDelay computes the exponential-backoff-with-jitter delay for the
// given attempt number (1-indexed), capped at MaxReconnectDelay.
func (p *Pool) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.cfg.ReconnectDelay) * math.Pow(2, float64(attempt-1))
	capped := math.Min(backoff, float64(p.cfg.MaxReconnectDelay))
	jitter := capped * (0.5 + rand.Float64()*0.5) // jitter in [0.5x, 1.0x]
	return time.Duration(jitter)
}

// MaxAttemptsExceeded reports whether nodeID has exhausted
// MaxReconnectAttempts, at which point it is marked Failed/unhealthy.
func (p *Pool) MaxAttemptsExceeded(nodeID string) bool {
	p.mu.RLock()
	s, ok := p.sessions[nodeID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.Attempts >= p.cfg.MaxAttempts
}

// Probe issues a unary grpc health Check call (via the standard
// grpc_health_v1 Health client) against nodeID and records RTT/failures.
func (p *Pool) Probe(ctx context.Context, nodeID string) error {
	conn, err := p.Dial(ctx, nodeID)
	if err != nil {
		return err
	}

	client := healthpb.NewHealthClient(conn)
	start := time.Now()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	rtt := time.Since(start)

	p.mu.RLock()
	s := p.sessions[nodeID]
	p.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		s.health.ConsecutiveFailures++
		return err
	}
	s.health.LastRTT = rtt
	s.health.ConsecutiveFailures = 0
	return nil
}

// HealthOf returns a copy of nodeID's health record.
func (p *Pool) HealthOf(nodeID string) (Health, bool) {
	p.mu.RLock()
	s, ok := p.sessions[nodeID]
	p.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, true
}

// SelectPrimary returns the lowest-RTT node among those not Failed and with
// zero consecutive failures (equal RTTs, including never-probed nodes at
// zero, are broken by the smaller nodeID), falling back to the lexicographically smallest
// nodeID among all known nodes when none qualify as healthy.
func (p *Pool) SelectPrimary() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.sessions) == 0 {
		return "", false
	}

	type candidate struct {
		nodeID string
		rtt    time.Duration
	}
	var healthy []candidate
	allIDs := make([]string, 0, len(p.sessions))

	for id, s := range p.sessions {
		s.mu.Lock()
		allIDs = append(allIDs, id)
		if s.state != Failed && s.health.ConsecutiveFailures == 0 {
			healthy = append(healthy, candidate{nodeID: id, rtt: s.health.LastRTT})
		}
		s.mu.Unlock()
	}

	if len(healthy) > 0 {
		sort.Slice(healthy, func(i, j int) bool {
			if healthy[i].rtt != healthy[j].rtt {
				return healthy[i].rtt < healthy[j].rtt
			}
			return healthy[i].nodeID < healthy[j].nodeID
		})
		return healthy[0].nodeID, true
	}

	sort.Strings(allIDs)
	return allIDs[0], true
}

// UnknownNodeError is returned by Dial for a nodeID never registered via
// AddNode.
type UnknownNodeError struct{ NodeID string }

func (e *UnknownNodeError) Error() string { return "pool: unknown node " + e.NodeID }
