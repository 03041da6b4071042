// Package consoletest provides an in-process fake admin console for
// tests, speaking the same line protocol as a real instance console.
package consoletest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Handler maps one submitted console line to its response body. The
// framing (prompt, trailing newline) is added by the server.
type Handler func(text string) string

// Server is a fake admin console bound to a loopback TCP port.
type Server struct {
	ln      net.Listener
	handler Handler

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Greeting mirrors the banner a real console prints on connect.
const Greeting = "Connected to admin console\n"

// Start launches a fake console on the given loopback port (0 picks a
// free one). The handler produces the body for each submitted line.
func Start(port int, handler Handler) (*Server, error) {
	if handler == nil {
		handler = func(string) string { return "" }
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("consoletest listen: %w", err)
	}
	s := &Server{ln: ln, handler: handler}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	w := bufio.NewWriter(conn)
	_, _ = w.WriteString(Greeting + "picodata> ")
	_ = w.Flush()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		body := s.handler(strings.TrimRight(line, "\r\n"))
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		_, _ = w.WriteString(body + "picodata> ")
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// Rows renders a query response body in the console's tabular format.
func Rows(columns []string, rows ...[]string) string {
	var b strings.Builder
	b.WriteString(strings.Join(columns, " | "))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", len(strings.Join(columns, " | "))))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "(%d rows)\n", len(rows))
	return b.String()
}

// Error renders a failure response body.
func Error(msg string) string {
	return "error: " + msg + "\n"
}
