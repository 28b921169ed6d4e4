package metrics

import "time"

// StatsProvider is satisfied by anything that can report a snapshot of the
// control plane's current bucket/experiment occupancy. pkg/control.Config
// implements it; the interface lives here (rather than importing pkg/control
// directly) so this package never depends on the packages it instruments.
type StatsProvider interface {
	BucketsOccupied() int
	ActiveExperiments() int
	ConcludedExperiments() int
}

// Collector periodically samples a StatsProvider and updates the
// corresponding gauges.
type Collector struct {
	stats  StatsProvider
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(stats StatsProvider) *Collector {
	return &Collector{
		stats:  stats,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	BucketsOccupied.Set(float64(c.stats.BucketsOccupied()))
	ActiveExperimentsTotal.Set(float64(c.stats.ActiveExperiments()))
	ConcludedExperimentsTotal.Set(float64(c.stats.ConcludedExperiments()))
}
