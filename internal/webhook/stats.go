package webhook

import "sync/atomic"

type counters struct {
	emitted, delivered, failed, dropped, retries atomic.Int64
}

// Counts are cumulative delivery counters.
type Counts struct {
	Emitted   int64 `json:"emitted"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Retries   int64 `json:"retries"`
}

func (c *counters) load() Counts {
	return Counts{
		Emitted:   c.emitted.Load(),
		Delivered: c.delivered.Load(),
		Failed:    c.failed.Load(),
		Dropped:   c.dropped.Load(),
		Retries:   c.retries.Load(),
	}
}

// DispatcherStats is the admin view of the dispatcher.
type DispatcherStats struct {
	Enabled      bool      `json:"enabled"`
	Endpoints    int       `json:"endpoints"`
	QueueSize    int       `json:"queue_size"`
	QueueUsed    int       `json:"queue_used"`
	Counts       Counts    `json:"counts"`
	RecentEvents []Payload `json:"recent_events"`
}
