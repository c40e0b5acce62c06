// Package transport applies best-effort socket and QUIC tuning and formats
// the results for logs.
package transport

// Tuning outcome labels.
const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)
