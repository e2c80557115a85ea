package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that server, proxy
// and client logs can be aggregated and queried together.
const (
	// Protocol & operation
	KeyRequest = "request" // request byte name: UPLOAD, DOWNLOAD, ...
	KeyStatus  = "status"  // response status name: OK, ERROR, ...

	// File system
	KeyPath = "path" // logical blob path
	KeySize = "size" // content length in bytes

	// Connection
	KeyClientIP     = "client_ip"     // remote address of the client
	KeyConnectionID = "connection_id" // connection identifier
	KeyBackend      = "backend"       // backend address (proxy side)

	// Operation metadata
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyAttempt    = "attempt"     // retry attempt number
)

// Request returns a slog.Attr for the request byte name
func Request(name string) slog.Attr {
	return slog.String(KeyRequest, name)
}

// Status returns a slog.Attr for the response status name
func Status(name string) slog.Attr {
	return slog.String(KeyStatus, name)
}

// Path returns a slog.Attr for a blob path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a content length
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// ClientIP returns a slog.Attr for a client remote address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// ConnectionID returns a slog.Attr for a connection identifier
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

// Backend returns a slog.Attr for a backend address
func Backend(addr string) slog.Attr {
	return slog.String(KeyBackend, addr)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
