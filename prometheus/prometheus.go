// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package prometheus implements stats.StatsClient backed by Prometheus
// collectors. Metrics register against a prometheus.Registerer and are
// scraped rather than pushed, so Open and Close are no-ops.
package prometheus

import (
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/interleave/logger"
	"github.com/featurebasedb/interleave/stats"
	"github.com/prometheus/client_golang/prometheus"
)

// namespace is prepended to each metric name.
const namespace = "interleave"

// Ensure client implements interface.
var _ stats.StatsClient = &prometheusClient{}

// prometheusClient represents a Prometheus implementation of
// stats.StatsClient. Tags of the form "key:value" become constant
// labels on every collector the client creates.
type prometheusClient struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
	tags       []string
	logger     logger.Logger
}

// ClientOption is a functional option type for NewPrometheusClient.
type ClientOption func(c *prometheusClient) error

// OptClientRegisterer sets the registerer collectors are registered
// with. The default is prometheus.DefaultRegisterer.
func OptClientRegisterer(r prometheus.Registerer) ClientOption {
	return func(c *prometheusClient) error {
		c.registerer = r
		return nil
	}
}

// NewPrometheusClient returns a new instance of prometheusClient.
func NewPrometheusClient(opts ...ClientOption) (*prometheusClient, error) {
	c := &prometheusClient{
		registerer: prometheus.DefaultRegisterer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		logger:     logger.NopLogger,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Open no-op.
func (c *prometheusClient) Open() {}

// Close no-op. Collectors stay registered for scraping.
func (c *prometheusClient) Close() error { return nil }

// Tags returns a sorted list of tags on the client.
func (c *prometheusClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended. The new
// tags become constant labels, so the clone allocates its own
// collectors.
func (c *prometheusClient) WithTags(tags ...string) stats.StatsClient {
	return &prometheusClient{
		registerer: c.registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		tags:       stats.UnionStringSlice(c.tags, tags),
		logger:     c.logger,
	}
}

// Count tracks the number of times something occurs per second.
func (c *prometheusClient) Count(name string, value int64, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.counters[name]
	if !ok {
		ctr = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			ConstLabels: c.constLabels(),
		})
		if err := c.registerer.Register(ctr); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				ctr = are.ExistingCollector.(prometheus.Counter)
			} else {
				c.logger.Printf("prometheus.StatsClient.Count register error: %s", err)
				return
			}
		}
		c.counters[name] = ctr
	}
	ctr.Add(float64(value))
}

// Gauge sets the value of a metric.
func (c *prometheusClient) Gauge(name string, value float64, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			ConstLabels: c.constLabels(),
		})
		if err := c.registerer.Register(g); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				g = are.ExistingCollector.(prometheus.Gauge)
			} else {
				c.logger.Printf("prometheus.StatsClient.Gauge register error: %s", err)
				return
			}
		}
		c.gauges[name] = g
	}
	g.Set(value)
}

// Histogram tracks statistical distribution of a metric.
func (c *prometheusClient) Histogram(name string, value float64, rate float64) {
	c.observe(name, value)
}

// Timing tracks timing information for a metric, observed in seconds.
func (c *prometheusClient) Timing(name string, value time.Duration, rate float64) {
	c.observe(name, value.Seconds())
}

func (c *prometheusClient) observe(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        name,
			ConstLabels: c.constLabels(),
		})
		if err := c.registerer.Register(h); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				h = are.ExistingCollector.(prometheus.Histogram)
			} else {
				c.logger.Printf("prometheus.StatsClient.Histogram register error: %s", err)
				return
			}
		}
		c.histograms[name] = h
	}
	h.Observe(value)
}

// SetLogger sets the logger for client.
func (c *prometheusClient) SetLogger(logger logger.Logger) {
	c.logger = logger
}

// constLabels converts "key:value" tags to prometheus labels. Tags
// without a colon are skipped.
func (c *prometheusClient) constLabels() prometheus.Labels {
	if len(c.tags) == 0 {
		return nil
	}
	labels := make(prometheus.Labels, len(c.tags))
	for _, tag := range c.tags {
		k, v, ok := strings.Cut(tag, ":")
		if !ok {
			c.logger.Printf("prometheus.StatsClient dropping tag without value: %q", tag)
			continue
		}
		labels[k] = v
	}
	return labels
}
