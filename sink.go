package dhtcrawl

// ResultSink receives verified metadata. Put must be idempotent by
// infohash; the crawler does not define the storage format.
type ResultSink interface {
	Put(infohash Infohash, info []byte) error
}

// SinkFunc adapts a function to the ResultSink interface.
type SinkFunc func(infohash Infohash, info []byte) error

// Put implements ResultSink.
func (f SinkFunc) Put(infohash Infohash, info []byte) error {
	return f(infohash, info)
}
