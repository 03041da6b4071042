package netutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testAllocator(t *testing.T) *Allocator {
	t.Helper()
	return NewAllocator(t.TempDir(), nil)
}

func TestBlock_Instance(t *testing.T) {
	t.Parallel()

	b := Block{Base: 4000, Count: 2 * PortsPerInstance}

	p0 := b.Instance(0)
	if p0.Binary != 4000 || p0.HTTP != 4001 || p0.Pg != 4002 || p0.Console != 4003 {
		t.Errorf("instance 0 ports = %+v", p0)
	}
	p1 := b.Instance(1)
	if p1.Binary != 4004 || p1.Console != 4007 {
		t.Errorf("instance 1 ports = %+v", p1)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for ordinal outside block")
		}
	}()
	b.Instance(2)
}

func TestAllocator_AcquireDisjointBlocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testAllocator(t)

	l1, err := a.Acquire(ctx, 2)
	if err != nil {
		t.Fatalf("first Acquire() error: %v", err)
	}
	defer func() { _ = l1.Release(ctx) }()

	l2, err := a.Acquire(ctx, 3)
	if err != nil {
		t.Fatalf("second Acquire() error: %v", err)
	}
	defer func() { _ = l2.Release(ctx) }()

	if l1.Block.overlaps(l2.Block) {
		t.Errorf("leases overlap: %+v and %+v", l1.Block, l2.Block)
	}
	if l1.Count != 2*PortsPerInstance {
		t.Errorf("lease 1 count = %d, want %d", l1.Count, 2*PortsPerInstance)
	}
}

func TestAllocator_ConcurrentAcquire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testAllocator(t)

	const n = 4
	results := make(chan *Lease, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			l, err := a.Acquire(ctx, 1)
			if err != nil {
				errs <- err
				return
			}
			results <- l
		}()
	}

	leases := make([]*Lease, 0, n)
	for i := 0; i < n; i++ {
		select {
		case l := <-results:
			leases = append(leases, l)
		case err := <-errs:
			t.Fatalf("concurrent Acquire() error: %v", err)
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for concurrent acquisitions")
		}
	}

	for i, a := range leases {
		for _, b := range leases[i+1:] {
			if a.Block.overlaps(b.Block) {
				t.Errorf("concurrent leases overlap: %+v and %+v", a.Block, b.Block)
			}
		}
	}
	for _, l := range leases {
		_ = l.Release(ctx)
	}
}

func TestLease_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testAllocator(t)

	l, err := a.Acquire(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := l.Release(ctx); err != nil {
			t.Fatalf("Release() call %d error: %v", i+1, err)
		}
	}

	// The ledger must be empty again, and re-acquiring must succeed.
	if rows := ledgerRows(t, a); rows != 0 {
		t.Errorf("expected empty ledger after release, got %d rows", rows)
	}
	l2, err := a.Acquire(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	_ = l2.Release(ctx)
}

func TestAllocator_ReapsStaleLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testAllocator(t)

	// Plant a lease owned by a pid that cannot exist. Linux pids stop
	// well below 2^22 by default.
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", a.ledgerPath()))
	if err != nil {
		t.Fatal(err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS leases (
		base INTEGER PRIMARY KEY, count INTEGER NOT NULL,
		pid INTEGER NOT NULL, created_at INTEGER NOT NULL)`
	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(
		`INSERT INTO leases (base, count, pid, created_at) VALUES (?, ?, ?, ?)`,
		basePort, PortsPerInstance, 1<<26, time.Now().Unix(),
	); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	l, err := a.Acquire(ctx, 1)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer func() { _ = l.Release(ctx) }()

	// The dead pid's row must be gone; only the fresh lease remains.
	if rows := ledgerRows(t, a); rows != 1 {
		t.Errorf("expected 1 ledger row after reaping, got %d", rows)
	}
}

// ledgerRows counts lease rows in the allocator's ledger.
func ledgerRows(t *testing.T, a *Allocator) int {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", a.ledgerPath()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM leases`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestPidAlive(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		pid  int
		want bool
	}{
		"own process": {pid: ownPID(), want: true},
		"zero":        {pid: 0, want: false},
		"negative":    {pid: -5, want: false},
		"nonexistent": {pid: 1 << 26, want: false},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := pidAlive(tc.pid); got != tc.want {
				t.Errorf("pidAlive(%d) = %v, want %v", tc.pid, got, tc.want)
			}
		})
	}
}
