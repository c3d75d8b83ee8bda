// Package metrics exposes the crawler's operational telemetry as
// Prometheus collectors. Each crawler instance owns its own registry so
// multiple isolated instances can coexist in one process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every counter the engines report into.
type Collector struct {
	registry *prometheus.Registry

	QueriesSent      prometheus.Counter
	QueriesServed    prometheus.Counter
	QueriesDropped   prometheus.Counter
	QueryTimeouts    prometheus.Counter
	MalformedPackets prometheus.Counter
	PeersDiscovered  prometheus.Counter
	PeersObserved    prometheus.Counter

	SessionsOpened       prometheus.Counter
	SessionsFailed       prometheus.Counter
	MetadataFetched      prometheus.Counter
	MetadataBytes        prometheus.Counter
	VerificationFailures prometheus.Counter

	JobsSubmitted prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRetried   prometheus.Counter
}

// NewCollector creates a collector with a private registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	counter := func(name, help string) prometheus.Counter {
		ctr := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dhtcrawl",
			Name:      name,
			Help:      help,
		})
		c.registry.MustRegister(ctr)
		return ctr
	}

	c.QueriesSent = counter("dht_queries_sent_total", "Outbound KRPC queries sent.")
	c.QueriesServed = counter("dht_queries_served_total", "Inbound KRPC queries answered.")
	c.QueriesDropped = counter("dht_queries_dropped_total", "Outbound queries dropped by the inflight cap.")
	c.QueryTimeouts = counter("dht_query_timeouts_total", "Outbound queries that exhausted their retransmits.")
	c.MalformedPackets = counter("dht_malformed_packets_total", "Inbound datagrams dropped as malformed.")
	c.PeersDiscovered = counter("dht_peers_discovered_total", "Peer endpoints emitted by lookups.")
	c.PeersObserved = counter("dht_peers_observed_total", "Peer endpoints learned from inbound announces.")

	c.SessionsOpened = counter("metadata_sessions_opened_total", "Metadata sessions admitted.")
	c.SessionsFailed = counter("metadata_sessions_failed_total", "Metadata sessions that reached a failure state.")
	c.MetadataFetched = counter("metadata_fetched_total", "Verified metadata dictionaries fetched.")
	c.MetadataBytes = counter("metadata_bytes_total", "Verified metadata bytes fetched.")
	c.VerificationFailures = counter("metadata_verification_failures_total", "Assembled dictionaries that failed the infohash check.")

	c.JobsSubmitted = counter("jobs_submitted_total", "Infohash jobs accepted.")
	c.JobsCompleted = counter("jobs_completed_total", "Jobs finished with verified metadata.")
	c.JobsFailed = counter("jobs_failed_total", "Jobs surfaced as terminal failures.")
	c.JobsRetried = counter("jobs_retried_total", "Job rediscovery rounds started.")

	return c
}

// Registry returns the instance's private registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
