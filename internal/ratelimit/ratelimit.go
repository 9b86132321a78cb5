// Package ratelimit throttles how often a single peer may open a new
// transfer. It guards the reactor's NEW handler, a distinct concern from
// the arbitrator's per-chunk slot budget: a peer can be well inside its
// chunk concurrency and still hammer the server with NEW requests.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/cormorant-labs/chunkxfer/internal/wire"
)

// PeerLimiter hands out a token-bucket rate.Limiter per peer, lazily
// created on first use with the configured rate and burst.
type PeerLimiter struct {
	mu       sync.Mutex
	limiters map[wire.PeerID]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewPeerLimiter builds a limiter allowing ratePerSecond NEW requests per
// peer, with burst allowed to accumulate up to burst tokens.
func NewPeerLimiter(ratePerSecond float64, burst int) *PeerLimiter {
	return &PeerLimiter{
		limiters: make(map[wire.PeerID]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow reports whether peer may open a new transfer now, consuming one
// token if so.
func (p *PeerLimiter) Allow(peer wire.PeerID) bool {
	return p.limiterFor(peer).Allow()
}

func (p *PeerLimiter) limiterFor(peer wire.PeerID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[peer]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[peer] = l
	}
	return l
}

// Forget drops a peer's limiter state once it disconnects, so the map
// does not grow unbounded across long-lived servers.
func (p *PeerLimiter) Forget(peer wire.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, peer)
}
