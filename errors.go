package dhtcrawl

import "fmt"

// FailureReason classifies terminal job and engine failures surfaced on
// the event and error streams.
type FailureReason int

const (
	// ReasonNone marks a non-failure event.
	ReasonNone FailureReason = iota
	// ReasonBootstrapFailed means fewer than the required seeds answered.
	ReasonBootstrapFailed
	// ReasonNoPeersFound means lookups completed without endpoints and
	// retries are exhausted.
	ReasonNoPeersFound
	// ReasonMetadataUnavailable means every admitted endpoint failed and
	// retries are exhausted.
	ReasonMetadataUnavailable
	// ReasonMetadataOversize means a peer advertised a dictionary above
	// the configured limit.
	ReasonMetadataOversize
	// ReasonVerificationFailed means assembled bytes did not hash to the
	// infohash.
	ReasonVerificationFailed
	// ReasonProtocol covers malformed peer traffic.
	ReasonProtocol
	// ReasonTransport covers socket-level peer failures.
	ReasonTransport
	// ReasonCancelled means the job was cancelled externally.
	ReasonCancelled
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonBootstrapFailed:
		return "bootstrap_failed"
	case ReasonNoPeersFound:
		return "no_peers_found"
	case ReasonMetadataUnavailable:
		return "metadata_unavailable"
	case ReasonMetadataOversize:
		return "metadata_oversize"
	case ReasonVerificationFailed:
		return "verification_failed"
	case ReasonProtocol:
		return "protocol"
	case ReasonTransport:
		return "transport"
	case ReasonCancelled:
		return "cancelled"
	}
	return "unknown"
}

// CrawlError is an engine-level failure delivered on the error stream.
type CrawlError struct {
	Reason FailureReason
	Cause  error
}

func (e *CrawlError) Error() string {
	if e.Cause == nil {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %v", e.Reason.String(), e.Cause)
}

func (e *CrawlError) Unwrap() error {
	return e.Cause
}
