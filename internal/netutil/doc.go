// Package netutil coordinates port allocation for concurrently running
// test clusters.
//
// Every cluster leases one contiguous block of ports. Leases are recorded
// in a SQLite ledger under the system temp directory and guarded by a file
// lock, so allocation is cooperative across independently executing test
// processes on the same host, not just across goroutines. Leases of dead
// processes are reclaimed on the next allocation.
package netutil
