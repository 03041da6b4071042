package netutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// basePort is the first candidate port. Picodata's conventional binary
// port is 3301; starting there keeps allocations out of the ephemeral
// range most kernels hand to short-lived sockets.
const basePort = 3301

// maxPort bounds the scan. Leaving headroom below 65535 avoids colliding
// with the tail of the ephemeral range on hosts with unusual sysctls.
const maxPort = 65000

// lockRetryInterval is the interval between attempts to take the ledger
// file lock while another process holds it.
const lockRetryInterval = 50 * time.Millisecond

// ErrPortsExhausted is returned by Acquire when no contiguous free block
// exists below maxPort.
var ErrPortsExhausted = errors.New("port range exhausted")

// Allocator hands out contiguous port blocks recorded in a shared SQLite
// ledger. All test processes on one host point at the same ledger
// directory (the system temp dir by default), making allocation
// cooperative across processes: the file lock serializes the
// check-bind-record sequence, and the ledger rows make live leases
// visible to later allocators.
type Allocator struct {
	dir string
	log *slog.Logger
}

// NewAllocator creates an Allocator using dir for its ledger and lock
// files. If dir is empty, the system temp directory is used. If logger is
// nil, slog.Default() is used.
func NewAllocator(dir string, logger *slog.Logger) *Allocator {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{dir: dir, log: logger}
}

// Lease is one acquired port block. Release returns it to the ledger;
// releasing twice is a no-op.
type Lease struct {
	Block

	a        *Allocator
	released atomic.Bool
}

func (a *Allocator) lockPath() string   { return filepath.Join(a.dir, "picotest-ports.lock") }
func (a *Allocator) ledgerPath() string { return filepath.Join(a.dir, "picotest-ports.db") }

// withLock runs fn while holding the exclusive ledger file lock with an
// open ledger database. Lock acquisition respects context cancellation.
// The lock file is left on disk: removing it would race with a lock
// concurrently taken by another process on the old inode.
func (a *Allocator) withLock(ctx context.Context, fn func(db *sql.DB) error) error {
	fl := flock.New(a.lockPath())
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire port ledger lock %s: %w", a.lockPath(), err)
	}
	if !locked {
		return fmt.Errorf("acquire port ledger lock %s: lock not acquired", a.lockPath())
	}
	defer func() {
		if closeErr := fl.Close(); closeErr != nil {
			a.log.Debug("release port ledger lock", "path", fl.Path(), "error", closeErr)
		}
	}()

	db, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			a.log.Warn("close port ledger", "error", closeErr)
		}
	}()

	return fn(db)
}

// openLedger opens the SQLite ledger, creating the schema on first use.
// A busy timeout guards against the short window where a crashed process
// left the database locked.
func (a *Allocator) openLedger(ctx context.Context) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", a.ledgerPath())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open port ledger %s: %w", a.ledgerPath(), err)
	}
	// Short-lived session, not a pool.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS leases (
		base       INTEGER PRIMARY KEY,
		count      INTEGER NOT NULL,
		pid        INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create port ledger schema: %w", err)
	}
	return db, nil
}

// Acquire leases a contiguous block large enough for the given number of
// instances. It holds the ledger lock for the whole check-bind-record
// sequence, reclaims leases of dead processes, and verifies every port in
// the chosen block is actually bindable before recording the lease.
func (a *Allocator) Acquire(ctx context.Context, instances int) (*Lease, error) {
	if instances < 1 {
		return nil, fmt.Errorf("acquire port block: instance count must be at least 1, got %d", instances)
	}
	count := instances * PortsPerInstance

	var block Block
	err := a.withLock(ctx, func(db *sql.DB) error {
		if err := a.reapStale(ctx, db); err != nil {
			return err
		}
		taken, err := readLeases(ctx, db)
		if err != nil {
			return err
		}
		b, err := a.findFreeBlock(count, taken)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO leases (base, count, pid, created_at) VALUES (?, ?, ?, ?)`,
			b.Base, b.Count, os.Getpid(), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("record port lease: %w", err)
		}
		block = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.log.Debug("leased port block", "base", block.Base, "count", block.Count)
	return &Lease{Block: block, a: a}, nil
}

// Release removes the lease from the ledger. Safe to call more than once;
// only the first call touches the ledger.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	err := l.a.withLock(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM leases WHERE base = ?`, l.Base); err != nil {
			return fmt.Errorf("delete port lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release port block %d+%d: %w", l.Base, l.Count, err)
	}
	l.a.log.Debug("released port block", "base", l.Base, "count", l.Count)
	return nil
}

// reapStale deletes ledger rows whose owning process is gone. A crashed
// test binary never reaches Release, so without reaping the ledger would
// fill up with dead leases.
func (a *Allocator) reapStale(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT base, pid FROM leases`)
	if err != nil {
		return fmt.Errorf("scan port ledger: %w", err)
	}
	var stale []int
	for rows.Next() {
		var base, pid int
		if err := rows.Scan(&base, &pid); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan port lease row: %w", err)
		}
		if !pidAlive(pid) {
			stale = append(stale, base)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate port ledger: %w", err)
	}
	_ = rows.Close()

	for _, base := range stale {
		if _, err := db.ExecContext(ctx, `DELETE FROM leases WHERE base = ?`, base); err != nil {
			return fmt.Errorf("reap stale port lease %d: %w", base, err)
		}
		a.log.Debug("reaped stale port lease", "base", base)
	}
	return nil
}

// readLeases returns every live lease in the ledger.
func readLeases(ctx context.Context, db *sql.DB) ([]Block, error) {
	rows, err := db.QueryContext(ctx, `SELECT base, count FROM leases ORDER BY base`)
	if err != nil {
		return nil, fmt.Errorf("read port ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Base, &b.Count); err != nil {
			return nil, fmt.Errorf("scan port lease row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate port ledger: %w", err)
	}
	return out, nil
}

// findFreeBlock walks upward from basePort looking for a block of the
// requested size that neither overlaps a ledger lease nor contains a port
// some unrelated process is already listening on. On an overlap or a busy
// port the scan jumps past the obstacle rather than advancing one port at
// a time.
func (a *Allocator) findFreeBlock(count int, taken []Block) (Block, error) {
	base := basePort
scan:
	for base+count <= maxPort {
		candidate := Block{Base: base, Count: count}
		for _, t := range taken {
			if candidate.overlaps(t) {
				base = t.Base + t.Count
				continue scan
			}
		}
		for port := candidate.Base; port < candidate.Base+candidate.Count; port++ {
			if !portBindable(port) {
				a.log.Debug("port busy outside ledger, skipping", "port", port)
				base = port + 1
				continue scan
			}
		}
		return candidate, nil
	}
	return Block{}, fmt.Errorf("find free block of %d ports: %w", count, ErrPortsExhausted)
}

// portBindable reports whether the port can currently be bound on
// loopback. The listener is closed immediately; the ledger row, not the
// bind, is what protects the port until the instance claims it.
func portBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
