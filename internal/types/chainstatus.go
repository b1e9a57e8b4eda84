package types

import "time"

// ChainState is the coarse availability of a chain
type ChainState string

const (
	ChainOnline   ChainState = "online"
	ChainDegraded ChainState = "degraded"
	ChainOffline  ChainState = "offline"
)

// ConnectionQuality classifies latency and error rate
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
	QualityFailed    ConnectionQuality = "failed"
)

// ChainStatus is the latest health snapshot of a chain
type ChainStatus struct {
	Chain             Chain             `json:"chain"`
	State             ChainState        `json:"state"`
	Quality           ConnectionQuality `json:"quality"`
	LatencyMs         int64             `json:"latencyMs"`
	LastBlock         uint64            `json:"lastBlock"`
	LastUpdated       time.Time         `json:"lastUpdated"`
	ConsecutiveErrors int               `json:"consecutiveErrors"`
	ErrorRate         float64           `json:"errorRate"`
	LastError         string            `json:"lastError,omitempty"`
}

// SystemHealth aggregates the status of all chains
type SystemHealth struct {
	Score     int           `json:"score"`
	Chains    []ChainStatus `json:"chains"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
