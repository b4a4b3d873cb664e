// Package telemetry exports replimap engine counters to Prometheus.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyp3rd/replimap"
)

const namespace = "replimap"

// StatsSource is anything that can report an engine counter snapshot.
type StatsSource interface {
	Name() string
	Stats() replimap.Stats
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s replimap.Stats) float64
}

// Collector turns one Stats snapshot per scrape into const metrics labeled by map name.
type Collector struct {
	source   StatsSource
	counters []counterDesc
	gauges   []counterDesc
}

// NewCollector returns a collector reading from source on every scrape.
func NewCollector(source StatsSource) *Collector {
	labels := prometheus.Labels{"map": source.Name()}

	counter := func(name, help string, fn func(s replimap.Stats) int64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name+"_total"), help, nil, labels),
			value: func(s replimap.Stats) float64 { return float64(fn(s)) },
		}
	}

	gauge := func(name, help string, fn func(s replimap.Stats) float64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels),
			value: fn,
		}
	}

	return &Collector{
		source: source,
		counters: []counterDesc{
			counter("puts", "Local Put calls.", func(s replimap.Stats) int64 { return s.Puts }),
			counter("removes", "Local Remove calls.", func(s replimap.Stats) int64 { return s.Removes }),
			counter("gets", "Local Get calls.", func(s replimap.Stats) int64 { return s.Gets }),
			counter("get_hits", "Get calls that found a value.", func(s replimap.Stats) int64 { return s.GetHits }),
			counter("backups_sent", "BACKUP messages delivered.", func(s replimap.Stats) int64 { return s.BackupsSent }),
			counter("proxies_sent", "PROXY messages delivered.", func(s replimap.Stats) int64 { return s.ProxiesSent }),
			counter("copies_sent", "COPY messages delivered.", func(s replimap.Stats) int64 { return s.CopiesSent }),
			counter("notifies_sent", "NOTIFY_MAPMEMBER messages delivered.", func(s replimap.Stats) int64 { return s.NotifiesSent }),
			counter("removes_sent", "REMOVE messages delivered.", func(s replimap.Stats) int64 { return s.RemovesSent }),
			counter("access_sent", "ACCESS messages delivered.", func(s replimap.Stats) int64 { return s.AccessSent }),
			counter("send_failures", "Per-target send failures.", func(s replimap.Stats) int64 { return s.SendFailures }),
			counter("serialization_skips", "Puts kept local because the value could not be encoded.", func(s replimap.Stats) int64 { return s.SerializationSkips }),
			counter("messages_received", "Inbound messages for this map.", func(s replimap.Stats) int64 { return s.MessagesReceived }),
			counter("apply_errors", "Inbound messages that could not be applied.", func(s replimap.Stats) int64 { return s.ApplyErrors }),
			counter("promotions", "Copies promoted to primary.", func(s replimap.Stats) int64 { return s.Promotions }),
			counter("members_added", "Membership additions observed.", func(s replimap.Stats) int64 { return s.MembersAdded }),
			counter("members_removed", "Membership removals observed.", func(s replimap.Stats) int64 { return s.MembersRemoved }),
			counter("state_transfers", "Completed state transfers on start.", func(s replimap.Stats) int64 { return s.StateTransfers }),
			counter("state_requests_served", "State snapshots sent to joining members.", func(s replimap.Stats) int64 { return s.StateRequestsServed }),
		},
		gauges: []counterDesc{
			gauge("entries", "Entries held locally in any role.", func(s replimap.Stats) float64 { return float64(s.Entries) }),
			gauge("members", "Remote members currently known.", func(s replimap.Stats) float64 { return float64(s.Members) }),
			gauge("membership_version", "Local membership version.", func(s replimap.Stats) float64 { return float64(s.MembershipVersion) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}

	for _, d := range c.gauges {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Stats()

	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, d.value(snap))
	}

	for _, d := range c.gauges {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.value(snap))
	}
}

// Registry bundles a private registry with process level metrics.
type Registry struct {
	*prometheus.Registry

	buildInfo *prometheus.GaugeVec
}

// NewRegistry returns a registry carrying build info and uptime. Map collectors are added with Track.
func NewRegistry() *Registry {
	start := time.Now()

	reg := &Registry{
		Registry: prometheus.NewRegistry(),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		}, []string{"version"}),
	}

	reg.MustRegister(reg.buildInfo, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(start).Seconds() }))

	return reg
}

// Track registers a collector for source.
func (r *Registry) Track(source StatsSource) error {
	return r.Register(NewCollector(source))
}

// SetBuildInfo should be called once at startup.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}
