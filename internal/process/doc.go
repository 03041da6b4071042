// Package process manages the lifecycle of external instance processes:
// starting commands with captured stdout/stderr log files, the
// SIGTERM-then-SIGKILL stop sequence, and polling-based readiness waits.
package process
