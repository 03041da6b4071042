package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/picotest/picotest/internal/sentinel"
)

// Prompt is the console's input marker. Every response, including the
// greeting printed on connect, ends with it; the client uses it as the
// end-of-response frame and strips it before returning output.
const Prompt = "picodata> "

// ErrUnreachable is returned when the console port cannot be reached
// (instance down or still starting).
const ErrUnreachable = sentinel.Error("admin console unreachable")

// ErrProtocol is returned when the console's response cannot be parsed.
const ErrProtocol = sentinel.Error("malformed admin console response")

// ErrQueryFailed is returned when the console reports a non-success
// status for the submitted text. The wrapped message carries the
// console's own description.
const ErrQueryFailed = sentinel.Error("query failed")

// dialTimeout bounds the TCP connect of a single call. Generous for a
// loopback connection; refusals return immediately.
const dialTimeout = time.Second

// errorPrefix marks a failure line in console output.
const errorPrefix = "error:"

// Client talks to one instance's admin console. It holds no connection
// state; the zero cost of constructing one makes it safe to cache per
// instance and share across goroutines.
type Client struct {
	addr string
	log  *slog.Logger
}

// New creates a Client for the console listening on host:port. If logger
// is nil, slog.Default() is used.
func New(host string, port int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)), log: logger}
}

// Addr returns the console address this client targets.
func (c *Client) Addr() string {
	return c.addr
}

// Ping connects and waits for the console greeting. A successful ping
// means the instance is accepting console connections; it says nothing
// about cluster membership state (see InstanceOnline).
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := readToPrompt(bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("console greeting from %s: %w", c.addr, err)
	}
	return nil
}

// RunScript submits script text (console command language) and returns
// the raw output with prompt artifacts stripped.
func (c *Client) RunScript(ctx context.Context, text string) (string, error) {
	body, err := c.roundTrip(ctx, text)
	if err != nil {
		return "", err
	}
	if msg, failed := failureMessage(body); failed {
		return "", fmt.Errorf("%w: %s", ErrQueryFailed, msg)
	}
	return body, nil
}

// RunQuery submits query text and parses the response as a row set.
func (c *Client) RunQuery(ctx context.Context, text string) (RowSet, error) {
	body, err := c.roundTrip(ctx, text)
	if err != nil {
		return RowSet{}, err
	}
	if msg, failed := failureMessage(body); failed {
		return RowSet{}, fmt.Errorf("%w: %s", ErrQueryFailed, msg)
	}
	rs, err := parseRowSet(body)
	if err != nil {
		return RowSet{}, fmt.Errorf("response to %q: %w", firstLine(text), err)
	}
	return rs, nil
}

// roundTrip performs one full console exchange: dial, swallow the
// greeting, send the text, read until the next prompt. The context's
// deadline (if any) is applied to the whole exchange via the connection
// deadline.
func (c *Client) roundTrip(ctx context.Context, text string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	r := bufio.NewReader(conn)
	if _, err := readToPrompt(r); err != nil {
		return "", fmt.Errorf("console greeting from %s: %w", c.addr, err)
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := conn.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("send to console %s: %w", c.addr, err)
	}

	body, err := readToPrompt(r)
	if err != nil {
		return "", fmt.Errorf("response from console %s: %w", c.addr, err)
	}
	return strings.TrimSpace(body), nil
}

// dial opens the per-call connection and applies the context deadline to
// all subsequent reads and writes.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial console %s: %w (%v)", c.addr, ErrUnreachable, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set console deadline: %w", err)
		}
	}
	return conn, nil
}

// readToPrompt accumulates bytes until the stream ends with Prompt and
// returns everything before it. EOF before a prompt is a protocol error:
// the console always reprints its prompt after output.
func readToPrompt(r *bufio.Reader) (string, error) {
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := r.Read(buf); err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: connection closed before prompt", ErrProtocol)
			}
			return "", err
		}
		b.WriteByte(buf[0])
		if strings.HasSuffix(b.String(), Prompt) {
			return strings.TrimSuffix(b.String(), Prompt), nil
		}
	}
}

// failureMessage extracts the console's error message when the first
// non-empty output line reports one.
func failureMessage(body string) (string, bool) {
	line := firstLine(body)
	if strings.HasPrefix(line, errorPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(line, errorPrefix)), true
	}
	return "", false
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
