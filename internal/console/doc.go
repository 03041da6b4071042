// Package console is the bridge to an instance's admin console: a
// line-oriented text protocol on a dedicated TCP port that accepts ad-hoc
// SQL queries and console scripts.
//
// Connections are not pooled. Every call is a fresh
// connect/send/receive/close cycle, trading latency for isolation: a
// half-dead console can never poison later calls.
package console
