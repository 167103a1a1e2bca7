// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sofa_cache"

// Metrics is a prometheus.Collector for document cache activity. One
// Metrics value may be shared by the caches of several databases; each
// series is labelled with the cache name.
type Metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	entries   *prometheus.GaugeVec
}

var _ prometheus.Collector = &Metrics{}

// NewMetrics returns a new Metrics collector.
func NewMetrics() *Metrics {
	labels := []string{"db"}
	return &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hits_total",
			Help:      "The number of document reads served from the cache.",
		}, labels),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "misses_total",
			Help:      "The number of document reads not found in the cache.",
		}, labels),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "The number of entries removed by pruning.",
		}, labels),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "entries",
			Help:      "The number of documents currently cached.",
		}, labels),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.hits.Describe(ch)
	m.misses.Describe(ch)
	m.evictions.Describe(ch)
	m.entries.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.hits.Collect(ch)
	m.misses.Collect(ch)
	m.evictions.Collect(ch)
	m.entries.Collect(ch)
}

func (m *Metrics) hit(name string) {
	if m != nil {
		m.hits.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) miss(name string) {
	if m != nil {
		m.misses.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) evicted(name string, n int) {
	if m != nil {
		m.evictions.WithLabelValues(name).Add(float64(n))
	}
}

func (m *Metrics) setEntries(name string, n int) {
	if m != nil {
		m.entries.WithLabelValues(name).Set(float64(n))
	}
}

