// Package plugconf applies plugin service configuration to a cluster.
// A ConfigMap keys opaque key/value settings by service name; it can be
// pushed to a live cluster through the admin console or written into a
// plugin manifest before startup.
package plugconf
