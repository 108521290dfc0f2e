// Command demo runs a provider and a consumer connector in one process and
// transfers an in-memory asset between them over gRPC.
//
//	go run ./cmd/demo            # fresh run in a temp directory
//	go run ./cmd/demo -dir data  # keep state; a second run shows recovery
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/dataspace-connector/internal/connector"
	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/transfer"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

func main() {
	dir := flag.String("dir", "", "state directory (default: a temp directory)")
	parts := flag.Int("parts", 20, "parts in the demo asset")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "connector-demo-")
		if err != nil {
			log.Fatalf("Failed to create state directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	buckets := pipeline.NewBuckets()
	in := buckets.Get("catalog")
	for i := 1; i <= *parts; i++ {
		in.Put(fmt.Sprintf("part-%03d", i), []byte(fmt.Sprintf("record %d\n", i)))
	}

	providerCfg := nodeConfig(*dir, "provider")
	providerCfg.Assets = map[string]types.DataAddress{
		"catalog": {Type: pipeline.MemoryType, Properties: map[string]string{"bucket": "catalog"}},
	}
	provider := mustStart(providerCfg, buckets)
	defer provider.Stop()

	consumer := mustStart(nodeConfig(*dir, "consumer"), buckets)
	defer consumer.Stop()

	fmt.Printf("✓ Provider listening on %s\n", provider.ProtocolAddress())
	fmt.Printf("✓ Consumer listening on %s\n", consumer.ProtocolAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tp, err := consumer.Service().Initiate(ctx, transfer.TransferRequest{
		ID:                  "demo-transfer",
		AssetID:             "catalog",
		ContractID:          "demo-contract",
		CounterPartyAddress: provider.ProtocolAddress(),
		Protocol:            connector.ProtocolGRPC,
		DataDestination:     &types.DataAddress{Type: pipeline.MemoryType, Properties: map[string]string{"bucket": "received"}},
	})
	if err != nil {
		log.Fatalf("Failed to initiate transfer: %v", err)
	}
	if tp.State != types.Initial {
		fmt.Printf("⚠️  Transfer %s recovered from a previous run in state %s\n", tp.ID, tp.State)
	}

	start := time.Now()
	done, err := consumer.AwaitState(ctx, tp.ID, types.Completed, types.Terminated)
	if err != nil {
		log.Fatalf("Transfer did not finish: %v", err)
	}

	fmt.Printf("\n📊 Transfer %s finished in %s\n", done.ID, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  State:    %s\n", done.State)
	if done.ErrorDetail != "" {
		fmt.Printf("  Error:    %s\n", done.ErrorDetail)
	}
	fmt.Printf("  Received: %d/%d parts\n", len(buckets.Get("received").Names()), *parts)

	for _, node := range []*connector.Connector{provider, consumer} {
		status, err := node.Status(ctx)
		if err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
		fmt.Printf("  %-9s %v\n", status.Participant+":", status.Processes)
	}
}

func nodeConfig(dir, id string) connector.Config {
	cfg := connector.DefaultConfig()
	cfg.Participant.ID = id
	cfg.Store.SnapshotPath = filepath.Join(dir, id, "snapshot.json")
	cfg.Journal.Path = filepath.Join(dir, id, "commands.wal")
	cfg.Transfer.IterationWaitMillis = 50
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	return cfg
}

func mustStart(cfg connector.Config, buckets *pipeline.Buckets) *connector.Connector {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.SnapshotPath), 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", cfg.Participant.ID, err)
	}
	c, err := connector.New(cfg, connector.WithBuckets(buckets))
	if err != nil {
		log.Fatalf("Failed to create %s: %v", cfg.Participant.ID, err)
	}
	if err := c.Start(); err != nil {
		log.Fatalf("Failed to start %s: %v", cfg.Participant.ID, err)
	}
	return c
}
