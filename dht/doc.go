// Package dht implements the Mainline DHT side of the crawler: a
// Kademlia routing table with node quality grading, a rotating write-token
// store, iterative get_peers lookups, bootstrap against seed hosts, and
// handling of inbound KRPC queries.
//
// The engine owns the routing table; every outbound query is tracked by
// the shared request cache, so responses and timeouts resolve exactly
// once regardless of network reordering.
package dht
