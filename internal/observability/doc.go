// Package observability provides the process logger and in-memory
// operational counters.
//
// Logs never carry raw scanned input, encrypted samples or key material.
package observability
