// Package picotest spins up disposable picodata test clusters and tears
// them down when the test is done.
//
// Given a topology, it leases a port block, spawns one process per
// instance, waits until every instance is observably ready, and returns
// a Cluster handle exposing admin queries, plugin RPC calls, and
// configuration pushes. Close reclaims everything; it is idempotent and
// safe to defer.
//
// # Basic Usage
//
//	ctx := context.Background()
//
//	cluster, err := picotest.RunCluster(ctx, "testdata/myplugin",
//	    picotest.WithReadyTimeout(2*time.Minute),
//	)
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer cluster.Close()
//
//	rows, err := cluster.Main().RunQuery(ctx, "SELECT 1;")
//
// # Topology
//
// The topology directory must contain topology.toml declaring tiers,
// instance counts, and the plugins under test. WithTiers replaces the
// file's tier layout with a plain tier-to-instance-count mapping; with
// neither, a single-instance single-tier cluster is run.
//
// # Parallel Tests
//
// Port blocks are leased through a cross-process ledger in the system
// temp directory, so independently running test binaries on one host
// never collide. Clusters created within one process are likewise
// isolated; each RunCluster call owns its instances exclusively.
package picotest
