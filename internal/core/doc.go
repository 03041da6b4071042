// Package core orchestrates the lifecycle of one test cluster: port
// leasing, process spawning, parallel readiness probing, and guarded
// teardown. The root package is a thin facade over it.
package core
