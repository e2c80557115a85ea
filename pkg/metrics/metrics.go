// Package metrics defines the observability interfaces implemented by the
// prometheus subpackage. All interfaces are optional - passing nil disables
// collection with zero overhead.
package metrics

import "time"

// ConnectionMetrics tracks TCP connection lifecycle on a listener.
type ConnectionMetrics interface {
	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the total closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed increments the force-closed connections
	// counter. Called when connections are closed after the shutdown timeout.
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)
}

// ServerMetrics provides observability for storage server operations.
type ServerMetrics interface {
	ConnectionMetrics

	// RecordRequest records a completed request with its wire name
	// (e.g. "UPLOAD"), duration and resulting status name (e.g. "OK").
	RecordRequest(request string, duration time.Duration, status string)

	// RecordBytesTransferred records payload bytes moved in the given
	// direction ("upload" or "download").
	RecordBytesTransferred(direction string, bytes uint64)
}

// ProxyMetrics provides observability for proxy operations.
type ProxyMetrics interface {
	ConnectionMetrics

	// RecordRequest records a completed frontend request with its wire name,
	// duration and resulting status name.
	RecordRequest(request string, duration time.Duration, status string)

	// RecordBytesTransferred records payload bytes forwarded in the given
	// direction ("upload" or "download").
	RecordBytesTransferred(direction string, bytes uint64)

	// SetBackendUp reports pool backend connectivity.
	SetBackendUp(addr string, up bool)

	// RecordDownloadFailover increments the mid-stream failover counter.
	RecordDownloadFailover()

	// RecordBackendVote records a prepare/commit vote from a backend
	// ("ok" or "error").
	RecordBackendVote(vote string)
}
