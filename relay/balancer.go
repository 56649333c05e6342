package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// ErrNoServers is returned when a RoundRobinBalancer has no configured
// servers. When every server is currently penalized, pick still returns
// the next one in rotation rather than this error.
var ErrNoServers = errors.New("relay: no upstream servers available")

// RoundRobinBalancer cycles through a fixed server list, skipping any
// server currently serving a backoff penalty from a recent failure. It is
// the reference Balancer implementation; real deployments substitute load,
// latency, or health-check driven selection behind the same interface.
type RoundRobinBalancer struct {
	mu      sync.Mutex
	servers []ServerInfo
	next    int
	penalty map[string]time.Time
	backoff map[string]*backoff.Backoff
}

// NewRoundRobinBalancer builds a balancer over servers. Calling it with an
// empty slice is valid; every query then fails with ErrNoServers until
// servers are added via Update.
func NewRoundRobinBalancer(servers []ServerInfo) *RoundRobinBalancer {
	return &RoundRobinBalancer{
		servers: append([]ServerInfo(nil), servers...),
		penalty: make(map[string]time.Time),
		backoff: make(map[string]*backoff.Backoff),
	}
}

// Update replaces the server list wholesale, e.g. after a config reload.
func (b *RoundRobinBalancer) Update(servers []ServerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers = append([]ServerInfo(nil), servers...)
	b.next = 0
}

// BestTCPServer implements Balancer.
func (b *RoundRobinBalancer) BestTCPServer(ctx context.Context) (ServerInfo, error) {
	return b.pick()
}

// BestUDPServer implements Balancer.
func (b *RoundRobinBalancer) BestUDPServer(ctx context.Context) (ServerInfo, error) {
	return b.pick()
}

// ReportFailure penalizes name with an exponentially increasing backoff so
// subsequent picks skip it for a while, letting transient upstream churn
// (spec.md §7, "Transient upstream I/O") self-heal without manual
// intervention.
func (b *RoundRobinBalancer) ReportFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.backoff[name]
	if !ok {
		bo = &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2}
		b.backoff[name] = bo
	}
	b.penalty[name] = time.Now().Add(bo.Duration())
}

// ReportSuccess clears any backoff penalty on name.
func (b *RoundRobinBalancer) ReportSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.penalty, name)
	if bo, ok := b.backoff[name]; ok {
		bo.Reset()
	}
}

func (b *RoundRobinBalancer) pick() (ServerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.servers)
	if n == 0 {
		return ServerInfo{}, ErrNoServers
	}

	now := time.Now()
	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		s := b.servers[idx]
		if until, penalized := b.penalty[s.Name]; penalized && until.After(now) {
			continue
		}
		b.next = (idx + 1) % n
		return s, nil
	}
	// Every server is penalized; fall back to the next in rotation rather
	// than failing the flow outright.
	s := b.servers[b.next]
	b.next = (b.next + 1) % n
	return s, nil
}
