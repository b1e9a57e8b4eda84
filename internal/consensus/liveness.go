package consensus

import (
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
	log "github.com/sirupsen/logrus"
)

// Liveness tracks which validators can currently attest. Validators start
// out reachable; adapters report every successful and failed chain call.
type Liveness struct {
	mu        sync.Mutex
	now       func() time.Time
	reachable map[types.Chain]bool
	lastErr   map[types.Chain]error
	since     time.Time
}

// NewLiveness creates a tracker with every validator reachable
func NewLiveness() *Liveness {
	l := &Liveness{
		now:       time.Now,
		reachable: make(map[types.Chain]bool, types.ValidatorCount),
		lastErr:   make(map[types.Chain]error, types.ValidatorCount),
	}
	for _, chain := range types.AllChains() {
		l.reachable[chain] = true
	}
	return l
}

// SetClock replaces the tracker's time source
func (l *Liveness) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// MarkReachable records a successful call to chain
func (l *Liveness) MarkReachable(chain types.Chain) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reachable[chain] {
		log.WithField("chain", chain).Info("validator reachable again")
	}
	l.reachable[chain] = true
	delete(l.lastErr, chain)
	l.update()
}

// MarkUnreachable records a failed call to chain
func (l *Liveness) MarkUnreachable(chain types.Chain, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reachable[chain] {
		log.WithField("chain", chain).WithError(err).Warn("validator unreachable")
	}
	l.reachable[chain] = false
	l.lastErr[chain] = err
	l.update()
}

func (l *Liveness) update() {
	count := 0
	for _, ok := range l.reachable {
		if ok {
			count++
		}
	}

	switch {
	case count < types.ConsensusRequired && l.since.IsZero():
		l.since = l.now().UTC()
		log.Errorf("only %d of %d validators reachable, consensus cannot be reached", count, types.ValidatorCount)
	case count >= types.ConsensusRequired && !l.since.IsZero():
		l.since = time.Time{}
		log.Info("consensus quorum of validators restored")
	}
}

// Reachable returns the chains whose validators are currently reachable
func (l *Liveness) Reachable() []types.Chain {
	l.mu.Lock()
	defer l.mu.Unlock()

	var chains []types.Chain
	for _, chain := range types.AllChains() {
		if l.reachable[chain] {
			chains = append(chains, chain)
		}
	}
	return chains
}

// LastError returns the last failure reported for chain
func (l *Liveness) LastError(chain types.Chain) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr[chain]
}

// DeadlockSince reports since when fewer than the required number of
// validators have been reachable.
func (l *Liveness) DeadlockSince() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since, !l.since.IsZero()
}
