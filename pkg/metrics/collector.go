package metrics

import (
	"time"

	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
)

// RecordSource lists the records the collector summarizes; storage.Store satisfies it
type RecordSource interface {
	ListUsers() ([]*types.User, error)
	ListNodes(filter storage.NodeFilter) ([]*types.Node, error)
}

// Collector periodically refreshes record gauges from a RecordSource
type Collector struct {
	source   RecordSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source RecordSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every record gauge once
func (c *Collector) Collect() {
	c.collectUserMetrics()
	c.collectNodeMetrics()
}

func (c *Collector) collectUserMetrics() {
	users, err := c.source.ListUsers()
	if err != nil {
		return
	}

	active := 0
	for _, user := range users {
		if user.Active {
			active++
		}
	}
	UsersTotal.WithLabelValues("active").Set(float64(active))
	UsersTotal.WithLabelValues("inactive").Set(float64(len(users) - active))
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.source.ListNodes(storage.NodeFilter{})
	if err != nil {
		return
	}

	started := 0
	for _, node := range nodes {
		if !node.StartedAt.IsZero() {
			started++
		}
	}
	NodesTotal.WithLabelValues("started").Set(float64(started))
	NodesTotal.WithLabelValues("never_started").Set(float64(len(nodes) - started))
}
