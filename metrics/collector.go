// Package metrics exports buffer cache statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/bcache"
)

// StatsSource is anything that reports cache statistics; *bcache.Cache is one.
type StatsSource interface {
	Stats() bcache.Stats
}

// Collector turns a StatsSource into Prometheus metrics on every scrape.
type Collector struct {
	src StatsSource

	hits     *prometheus.Desc
	misses   *prometheus.Desc
	reuses   *prometheus.Desc
	steals   *prometheus.Desc
	reads    *prometheus.Desc
	writes   *prometheus.Desc
	errors   *prometheus.Desc
	hitRatio *prometheus.Desc
	buffers  *prometheus.Desc
	buckets  *prometheus.Desc
}

// NewCollector describes the cache metrics under namespace. constLabels are
// attached to every metric (e.g. a cache name).
func NewCollector(namespace string, src StatsSource, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bcache", name), help, nil, constLabels)
	}
	return &Collector{
		src:      src,
		hits:     desc("hits_total", "Lookups that found the block cached."),
		misses:   desc("misses_total", "Lookups that admitted the block into a slot."),
		reuses:   desc("reuses_total", "Misses served by a free slot of the block's own bucket."),
		steals:   desc("steals_total", "Misses served by moving a free slot from another bucket."),
		reads:    desc("device_reads_total", "Blocks read from the device."),
		writes:   desc("device_writes_total", "Blocks written to the device."),
		errors:   desc("device_errors_total", "Failed device transfers."),
		hitRatio: desc("hit_ratio", "Hits over lookups since start."),
		buffers:  desc("buffers", "Slots in the buffer pool."),
		buckets:  desc("buckets", "Buckets in the buffer table."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.reuses
	ch <- c.steals
	ch <- c.reads
	ch <- c.writes
	ch <- c.errors
	ch <- c.hitRatio
	ch <- c.buffers
	ch <- c.buckets
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.reuses, s.Reuses)
	counter(c.steals, s.Steals)
	counter(c.reads, s.Reads)
	counter(c.writes, s.Writes)
	counter(c.errors, s.Errors)
	gauge(c.hitRatio, s.HitRatio)
	gauge(c.buffers, float64(s.Buffers))
	gauge(c.buckets, float64(s.Buckets))
}
