package health

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	degradedAfterErrors = 3
	offlineAfterErrors  = 10
)

// Prober reports the current head of a chain
type Prober interface {
	Chain() types.Chain
	Head(ctx context.Context) (uint64, error)
}

// window is a fixed size ring of poll outcomes
type window struct {
	outcomes []bool
	next     int
	filled   int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 20
	}
	return &window{outcomes: make([]bool, size)}
}

func (w *window) add(failed bool) {
	w.outcomes[w.next] = failed
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

func (w *window) errorRate() float64 {
	if w.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled)
}

type chainState struct {
	prober            Prober
	window            *window
	consecutiveErrors int
	lastBlock         uint64
}

// Monitor polls every chain and keeps the status cache current
type Monitor struct {
	cfg       config.Health
	cache     *StatusCache
	now       func() time.Time
	snapshots chan types.SystemHealth

	mu     sync.Mutex
	chains map[types.Chain]*chainState
}

func NewMonitor(probers []Prober, cache *StatusCache, cfg config.Health) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		cache:     cache,
		now:       time.Now,
		snapshots: make(chan types.SystemHealth, 1),
		chains:    make(map[types.Chain]*chainState, len(probers)),
	}
	for _, p := range probers {
		m.chains[p.Chain()] = &chainState{
			prober: p,
			window: newWindow(cfg.ErrorWindow),
		}
	}
	return m
}

// SetClock replaces the monitor's time source
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Snapshots delivers the system health after every polling round. Slow
// readers only see the latest snapshot.
func (m *Monitor) Snapshots() <-chan types.SystemHealth {
	return m.snapshots
}

// Poll probes one chain and records the resulting status
func (m *Monitor) Poll(ctx context.Context, chain types.Chain) (types.ChainStatus, error) {
	m.mu.Lock()
	state, ok := m.chains[chain]
	m.mu.Unlock()
	if !ok {
		return types.ChainStatus{}, fmt.Errorf("no probe registered for %s", chain)
	}

	probeCtx := ctx
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}

	start := m.now()
	head, probeErr := state.prober.Head(probeCtx)
	latency := m.now().Sub(start)

	if ctx.Err() != nil {
		return types.ChainStatus{}, ctx.Err()
	}

	m.mu.Lock()
	state.window.add(probeErr != nil)
	if probeErr != nil {
		state.consecutiveErrors++
	} else {
		state.consecutiveErrors = 0
		state.lastBlock = head
	}
	status := types.ChainStatus{
		Chain:             chain,
		LatencyMs:         latency.Milliseconds(),
		LastBlock:         state.lastBlock,
		LastUpdated:       m.now().UTC(),
		ConsecutiveErrors: state.consecutiveErrors,
		ErrorRate:         state.window.errorRate(),
	}
	m.mu.Unlock()

	if probeErr != nil {
		status.LastError = probeErr.Error()
	}
	status.Quality = classifyQuality(probeErr != nil, latency, status.ErrorRate)
	status.State = classifyState(status.Quality, status.ConsecutiveErrors)

	if err := m.cache.Put(ctx, status); err != nil {
		log.WithError(err).WithField("chain", chain.String()).Warn("chain status not persisted")
	}
	return status, nil
}

func classifyQuality(failed bool, latency time.Duration, errorRate float64) types.ConnectionQuality {
	switch {
	case failed || errorRate >= 0.5:
		return types.QualityFailed
	case latency < time.Second && errorRate == 0:
		return types.QualityExcellent
	case latency < 5*time.Second && errorRate < 0.1:
		return types.QualityGood
	default:
		return types.QualityPoor
	}
}

func classifyState(quality types.ConnectionQuality, consecutiveErrors int) types.ChainState {
	switch {
	case quality == types.QualityFailed || consecutiveErrors >= offlineAfterErrors:
		return types.ChainOffline
	case quality == types.QualityPoor || consecutiveErrors >= degradedAfterErrors:
		return types.ChainDegraded
	default:
		return types.ChainOnline
	}
}

// Score is the share of online chains as a percentage
func Score(statuses []types.ChainStatus) int {
	if len(statuses) == 0 {
		return 0
	}
	online := 0
	for _, s := range statuses {
		if s.State == types.ChainOnline {
			online++
		}
	}
	return int(math.Round(100 * float64(online) / float64(len(statuses))))
}

// SystemHealth builds a snapshot from the cached statuses
func (m *Monitor) SystemHealth() types.SystemHealth {
	statuses := m.cache.List()
	return types.SystemHealth{
		Score:     Score(statuses),
		Chains:    statuses,
		UpdatedAt: m.now().UTC(),
	}
}

// PollAll probes every chain concurrently and publishes a snapshot
func (m *Monitor) PollAll(ctx context.Context) types.SystemHealth {
	var wg sync.WaitGroup
	for _, chain := range types.AllChains() {
		m.mu.Lock()
		_, ok := m.chains[chain]
		m.mu.Unlock()
		if !ok {
			continue
		}

		wg.Add(1)
		go func(chain types.Chain) {
			defer wg.Done()
			status, err := m.Poll(ctx, chain)
			if err != nil {
				return
			}
			log.WithFields(log.Fields{
				"chain":   chain.String(),
				"state":   status.State,
				"quality": status.Quality,
				"latency": status.LatencyMs,
			}).Debug("chain polled")
		}(chain)
	}
	wg.Wait()

	snapshot := m.SystemHealth()
	select {
	case <-m.snapshots:
	default:
	}
	select {
	case m.snapshots <- snapshot:
	default:
	}
	return snapshot
}

// Run polls all chains every PollInterval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.PollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.PollAll(ctx)
		}
	}
}
