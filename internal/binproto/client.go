package binproto

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/picotest/picotest/internal/sentinel"
)

// ErrUnreachable is returned when the binary protocol port cannot be
// reached.
const ErrUnreachable = sentinel.Error("binary protocol port unreachable")

// ErrCodec is returned when a request cannot be serialized or a reply
// cannot be deserialized into the caller's types.
const ErrCodec = sentinel.Error("rpc codec mismatch")

// RemoteError is an application-level failure reported by the endpoint
// itself: the roundtrip succeeded but the plugin rejected the call.
type RemoteError struct {
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return "rpc endpoint error: " + e.Message
}

// dialTimeout bounds the TCP connect of a single call.
const dialTimeout = time.Second

// maxFrameSize rejects replies larger than any plausible test payload
// before allocating for them.
const maxFrameSize = 16 << 20

// statusOK is the envelope status of a successful reply.
const statusOK = 0

// Target names one plugin RPC endpoint.
type Target struct {
	Plugin  string
	Path    string
	Service string
	Version string
}

// envelope is the request frame body.
type envelope struct {
	Plugin  string             `msgpack:"plugin"`
	Path    string             `msgpack:"path"`
	Service string             `msgpack:"service"`
	Version string             `msgpack:"version"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// reply is the response frame body.
type reply struct {
	Status  int                `msgpack:"status"`
	Error   string             `msgpack:"error"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Client targets one instance's binary protocol port. It holds no
// connection state; every Execute is a fresh connect/send/receive/close
// cycle.
type Client struct {
	addr string
	log  *slog.Logger
}

// New creates a Client for the binary protocol port on host:port. If
// logger is nil, slog.Default() is used.
func New(host string, port int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)), log: logger}
}

// Addr returns the address this client targets.
func (c *Client) Addr() string {
	return c.addr
}

// Execute serializes req, invokes the named endpoint on the client's
// instance and deserializes the reply payload as Resp. The call blocks
// until the roundtrip completes or ctx expires.
func Execute[Req, Resp any](ctx context.Context, c *Client, target Target, req Req) (Resp, error) {
	var zero Resp

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("%w: encode request: %v", ErrCodec, err)
	}

	body, err := msgpack.Marshal(envelope{
		Plugin:  target.Plugin,
		Path:    target.Path,
		Service: target.Service,
		Version: target.Version,
		Payload: payload,
	})
	if err != nil {
		return zero, fmt.Errorf("%w: encode envelope: %v", ErrCodec, err)
	}

	c.log.Debug("rpc call",
		slog.String("addr", c.addr),
		slog.String("plugin", target.Plugin),
		slog.String("path", target.Path))

	respBody, err := c.roundTrip(ctx, body)
	if err != nil {
		return zero, err
	}

	var rep reply
	if err := msgpack.Unmarshal(respBody, &rep); err != nil {
		return zero, fmt.Errorf("%w: decode reply envelope: %v", ErrCodec, err)
	}
	if rep.Status != statusOK {
		return zero, &RemoteError{Message: rep.Error}
	}

	var resp Resp
	if err := msgpack.Unmarshal(rep.Payload, &resp); err != nil {
		return zero, fmt.Errorf("%w: decode reply payload: %v", ErrCodec, err)
	}
	return resp, nil
}

// roundTrip sends one length-prefixed frame and reads one back.
func (c *Client) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w (%v)", c.addr, ErrUnreachable, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, body); err != nil {
		return nil, fmt.Errorf("send rpc frame to %s: %w (%v)", c.addr, ErrUnreachable, err)
	}
	resp, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// writeFrame writes a frame as a big-endian uint32 length followed by
// the body.
func writeFrame(w io.Writer, body []byte) error {
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: read frame header: %v", ErrCodec, err)
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrCodec, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: read frame body: %v", ErrCodec, err)
	}
	return body, nil
}
