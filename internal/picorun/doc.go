// Package picorun materializes a topology as a set of running picodata
// processes. It builds one run invocation per instance, captures the
// process output into per-instance log files, and cross-checks the
// port/pid manifest the tool writes on startup.
package picorun
