// Package binproto is a minimal client for the plugin RPC surface of a
// running instance's binary protocol port. Each call frames a
// msgpack-encoded envelope naming the target plugin endpoint, sends it
// over a fresh TCP connection, and decodes the typed reply.
package binproto
