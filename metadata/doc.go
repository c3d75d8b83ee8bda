// Package metadata fetches torrent info dictionaries from peers using the
// BEP 9 ut_metadata extension. Per infohash it runs a bounded pool of
// peer sessions; each session is a small state machine over one TCP
// connection, driven to COMPLETE, REJECTED, or FAILED. Assembled
// dictionaries are surfaced only after their SHA-1 matches the infohash.
package metadata
