package binproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type echoRequest struct {
	Name string `msgpack:"name"`
}

type echoResponse struct {
	Greeting string `msgpack:"greeting"`
}

// startEndpoint serves one frame per connection, mapping a decoded
// envelope to a reply through fn.
func startEndpoint(t *testing.T, fn func(envelope) reply) *Client {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				body, err := readFrame(conn)
				if err != nil {
					return
				}
				var env envelope
				if err := msgpack.Unmarshal(body, &env); err != nil {
					return
				}
				out, err := msgpack.Marshal(fn(env))
				if err != nil {
					return
				}
				_ = writeFrame(conn, out)
			}()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return New("127.0.0.1", port, nil)
}

func TestExecute(t *testing.T) {
	t.Parallel()

	c := startEndpoint(t, func(env envelope) reply {
		if env.Plugin != "greeter" || env.Path != "/hello" ||
			env.Service == "" || env.Version == "" {
			return reply{Status: 1, Error: "unknown endpoint"}
		}
		var req echoRequest
		if err := msgpack.Unmarshal(env.Payload, &req); err != nil {
			return reply{Status: 1, Error: "bad payload"}
		}
		payload, _ := msgpack.Marshal(echoResponse{Greeting: "hello " + req.Name})
		return reply{Status: 0, Payload: payload}
	})
	target := Target{Plugin: "greeter", Path: "/hello", Service: "router", Version: "0.1.0"}
	ctx := context.Background()

	t.Run("roundtrip", func(t *testing.T) {
		t.Parallel()

		resp, err := Execute[echoRequest, echoResponse](ctx, c, target, echoRequest{Name: "world"})
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		if resp.Greeting != "hello world" {
			t.Errorf("Greeting = %q, want %q", resp.Greeting, "hello world")
		}
	})

	t.Run("remote error", func(t *testing.T) {
		t.Parallel()

		wrong := Target{Plugin: "greeter", Path: "/gone", Service: "router", Version: "0.1.0"}
		_, err := Execute[echoRequest, echoResponse](ctx, c, wrong, echoRequest{Name: "world"})

		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("error = %v, want *RemoteError", err)
		}
		if remote.Message != "unknown endpoint" {
			t.Errorf("Message = %q, want %q", remote.Message, "unknown endpoint")
		}
	})

	t.Run("payload type mismatch", func(t *testing.T) {
		t.Parallel()

		// The endpoint returns a map payload; decoding it into an int
		// must fail cleanly.
		_, err := Execute[echoRequest, int](ctx, c, target, echoRequest{Name: "world"})
		if !errors.Is(err, ErrCodec) {
			t.Fatalf("error = %v, want ErrCodec", err)
		}
	})
}

func TestExecute_Unreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	c := New("127.0.0.1", port, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Execute[echoRequest, echoResponse](ctx, c, Target{}, echoRequest{})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("error = %v, want ErrUnreachable", err)
	}
}

func TestExecute_TruncatedReply(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if _, err := readFrame(conn); err != nil {
			return
		}
		// Announce a body that never arrives.
		var head [4]byte
		binary.BigEndian.PutUint32(head[:], 128)
		_, _ = conn.Write(head[:])
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := New("127.0.0.1", port, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = Execute[echoRequest, echoResponse](ctx, c, Target{}, echoRequest{})
	if !errors.Is(err, ErrCodec) {
		t.Fatalf("error = %v, want ErrCodec", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer func() { _ = client.Close(); _ = server.Close() }()

	go func() { _ = writeFrame(client, []byte("payload")) }()

	got, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame() error: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("frame body = %q, want %q", got, "payload")
	}
}

func TestReadFrame_Oversized(t *testing.T) {
	t.Parallel()

	var head [4]byte
	binary.BigEndian.PutUint32(head[:], maxFrameSize+1)

	if _, err := readFrame(bytes.NewReader(head[:])); !errors.Is(err, ErrCodec) {
		t.Fatalf("readFrame() error = %v, want ErrCodec", err)
	}
}
