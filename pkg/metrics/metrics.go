// Package metrics exports engine counters as prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/monasticacademy/tunsocks/pkg/tun2socks"
)

type info struct {
	description *prometheus.Desc
	supplier    func(s *tun2socks.Stats) prometheus.Metric
}

// Collector reads the engine's counters on demand.
type Collector struct {
	stats *tun2socks.Stats
	infos []info
}

// NewCollector builds a collector over the engine's statistics.
func NewCollector(prefix string, stats *tun2socks.Stats) *Collector {
	gauge := func(name, help string, value func(s *tun2socks.Stats) float64) info {
		desc := prometheus.NewDesc(prefix+name, help, nil, nil)
		return info{
			description: desc,
			supplier: func(s *tun2socks.Stats) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value(s))
			},
		}
	}
	counter := func(name, help string, value func(s *tun2socks.Stats) float64) info {
		desc := prometheus.NewDesc(prefix+name, help, nil, nil)
		return info{
			description: desc,
			supplier: func(s *tun2socks.Stats) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value(s))
			},
		}
	}

	return &Collector{
		stats: stats,
		infos: []info{
			gauge("clients_active", "Number of live proxied connections.",
				func(s *tun2socks.Stats) float64 { return float64(s.ClientsActive.Load()) }),
			counter("clients_accepted_total", "Connections accepted since start.",
				func(s *tun2socks.Stats) float64 { return float64(s.AcceptedTotal.Load()) }),
			counter("bytes_to_socks_total", "Bytes forwarded from intercepted connections to the SOCKS server.",
				func(s *tun2socks.Stats) float64 { return float64(s.BytesToSocks.Load()) }),
			counter("bytes_from_socks_total", "Bytes forwarded from the SOCKS server to intercepted connections.",
				func(s *tun2socks.Stats) float64 { return float64(s.BytesFromSocks.Load()) }),
		},
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, info := range c.infos {
		metrics <- info.supplier(c.stats)
	}
}
