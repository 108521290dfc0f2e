// ============================================================================
// Dataspace Connector Integration Test Suite
// ============================================================================
//
// Package: test/integration
// File: transfer_test.go
// Functionality: end to end transfers between two connector nodes
//
// Test Objectives:
//   1. throughput of concurrent transfers (transfers/second)
//   2. recovery time of a restarted node (< 3 second target)
//   3. zero loss: every process survives the restart in its final state
//
// Test Environment:
//   - provider and consumer in one process, gRPC over loopback
//   - in-memory buckets shared by both nodes
//   - snapshot + command journal per node in a temp directory
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataspace-connector/internal/connector"
	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/store"
	"github.com/ChuLiYu/dataspace-connector/internal/transfer"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

const partsPerAsset = 10

func nodeConfig(dir, id string) connector.Config {
	cfg := connector.DefaultConfig()
	cfg.Participant.ID = id
	cfg.Store.SnapshotPath = filepath.Join(dir, id, "snapshot.json")
	cfg.Store.SnapshotInterval = 500 * time.Millisecond
	cfg.Journal.Path = filepath.Join(dir, id, "commands.wal")
	cfg.Journal.SyncOnAppend = false
	cfg.Transfer.IterationWaitMillis = 10
	cfg.Transfer.MaxIterationWait = 100 * time.Millisecond
	cfg.Transfer.SendRetryBaseDelayMs = 10
	cfg.Transfer.BatchSize = 50
	cfg.Pipeline.Workers = 8
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Metrics.StateInterval = 0
	return cfg
}

type cluster struct {
	dir      string
	buckets  *pipeline.Buckets
	provider *connector.Connector
	consumer *connector.Connector
}

func newCluster(t testing.TB, assets int) *cluster {
	t.Helper()
	c := &cluster{dir: t.TempDir(), buckets: pipeline.NewBuckets()}

	providerCfg := nodeConfig(c.dir, "provider")
	providerCfg.Assets = make(map[string]types.DataAddress, assets)
	for i := 0; i < assets; i++ {
		bucket := fmt.Sprintf("asset-%d", i)
		for p := 0; p < partsPerAsset; p++ {
			c.buckets.Get(bucket).Put(fmt.Sprintf("part-%d", p), []byte(fmt.Sprintf("%s/%d", bucket, p)))
		}
		providerCfg.Assets[bucket] = types.DataAddress{Type: pipeline.MemoryType, Properties: map[string]string{"bucket": bucket}}
	}
	c.provider = c.start(t, providerCfg)
	c.consumer = c.start(t, nodeConfig(c.dir, "consumer"))
	return c
}

func (c *cluster) start(t testing.TB, cfg connector.Config) *connector.Connector {
	t.Helper()
	n, err := connector.New(cfg, connector.WithBuckets(c.buckets))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

// initiate starts one consumer transfer per asset and returns the process ids.
func (c *cluster) initiate(t testing.TB, prefix string, assets int) []string {
	t.Helper()
	ids := make([]string, assets)
	for i := 0; i < assets; i++ {
		ids[i] = fmt.Sprintf("%s-%d", prefix, i)
		_, err := c.consumer.Service().Initiate(context.Background(), transfer.TransferRequest{
			ID:                  ids[i],
			AssetID:             fmt.Sprintf("asset-%d", i),
			CounterPartyAddress: c.provider.ProtocolAddress(),
			Protocol:            connector.ProtocolGRPC,
			DataDestination: &types.DataAddress{Type: pipeline.MemoryType, Properties: map[string]string{
				"bucket": ids[i],
			}},
		})
		require.NoError(t, err)
	}
	return ids
}

// awaitAll waits for every id to reach COMPLETED or TERMINATED and returns
// the number completed.
func awaitAll(t testing.TB, node *connector.Connector, ids []string, timeout time.Duration) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		mu        sync.Mutex
		completed int
		wg        sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tp, err := node.AwaitState(ctx, id, types.Completed, types.Terminated)
			if err != nil {
				t.Errorf("process %s: %v", id, err)
				return
			}
			if tp.State == types.Completed {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return completed
}

// ============================================================================
// Tests
// ============================================================================

func TestSystemThroughput(t *testing.T) {
	const transfers = 50
	c := newCluster(t, transfers)

	start := time.Now()
	ids := c.initiate(t, "perf", transfers)
	completed := awaitAll(t, c.consumer, ids, 60*time.Second)
	elapsed := time.Since(start)

	throughput := float64(completed) / elapsed.Seconds()
	t.Logf("=== Performance Test Results ===")
	t.Logf("Transfers: %d, completed: %d", transfers, completed)
	t.Logf("Elapsed time: %v", elapsed)
	t.Logf("Throughput: %.2f transfers/second", throughput)

	require.Equal(t, transfers, completed)
	for _, id := range ids {
		assert.Len(t, c.buckets.Get(id).Names(), partsPerAsset, "bucket %s", id)
	}
}

func TestRecoveryPerformance(t *testing.T) {
	const transfers = 20
	c := newCluster(t, transfers)
	ids := c.initiate(t, "recover", transfers)
	require.Equal(t, transfers, awaitAll(t, c.consumer, ids, 60*time.Second))

	before, err := c.consumer.Stats(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.consumer.Stop())

	start := time.Now()
	restarted := c.start(t, nodeConfig(c.dir, "consumer"))
	recovery := time.Since(start)
	t.Logf("Recovery time: %v", recovery)
	assert.Less(t, recovery, 3*time.Second)

	after, err := restarted.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after, "no process lost or changed across the restart")

	all, err := restarted.Service().FindAll(context.Background(), store.QuerySpec{
		Filter: []store.Criterion{store.Eq(store.FieldState, types.Completed)},
	})
	require.NoError(t, err)
	assert.Len(t, all, transfers)
}

func BenchmarkTransfer(b *testing.B) {
	c := newCluster(b, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ids := c.initiate(b, fmt.Sprintf("bench-%d", i), 1)
		awaitAll(b, c.consumer, ids, 30*time.Second)
	}
}
