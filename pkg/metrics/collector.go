package metrics

import (
	"context"
	"time"

	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/store"
)

const collectInterval = 30 * time.Second

// Collector periodically refreshes the gauge metrics from store state,
// following the teacher's ticker+stopCh collector shape, generalized to a
// context.Context-cancellable Run loop.
type Collector struct {
	store  store.Store
	client *backend.Client
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, client *backend.Client) *Collector {
	return &Collector{store: st, client: client}
}

// Run blocks, refreshing metrics every 30s until ctx is canceled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	c.collectTelemetry()
	c.collectSecurityEvents()
	c.collectQueue()
	c.collectBackend(ctx)
}

func (c *Collector) collectTelemetry() {
	sample, ok, err := c.store.LatestTelemetrySample()
	if err != nil || !ok {
		return
	}
	CPUPercent.Set(sample.CPUPercent)
	MemoryPercent.Set(sample.MemoryPercent)
	DiskPercent.Set(sample.DiskPercent)
	ProcessesCount.Set(float64(sample.ProcessesCount))
}

func (c *Collector) collectSecurityEvents() {
	events, err := c.store.SecurityEventsSince(time.Now().Add(-1*time.Hour), true)
	if err != nil {
		return
	}
	UnresolvedSecurityEvents.Set(float64(len(events)))
}

func (c *Collector) collectQueue() {
	statuses, err := c.store.QueueStatus()
	if err != nil {
		return
	}
	for status, count := range statuses {
		QueueDepth.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectBackend(ctx context.Context) {
	if c.client == nil {
		return
	}
	if c.client.Healthy(ctx) {
		BackendHealthy.Set(1)
	} else {
		BackendHealthy.Set(0)
	}
}
