// ============================================================================
// Dataspace Connector CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command Structure:
//   connector                      # Root command
//   ├── run                        # Start a connector node
//   ├── copy SOURCE DESTINATION    # One-off pipeline transfer
//   │   ├── --pattern              # Glob for file sources
//   │   └── --partition-size       # Parts per worker task
//   ├── status                     # Persisted processes and journal
//   │   └── --json                 # Machine readable output
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --env-file                 # dotenv file loaded before the config
//   └── --log-level                # debug, info, warn, error
//
// Addresses for copy:
//   http://... or https://...     -> HttpData (baseUrl)
//   -                             -> standard output (destination only)
//   anything else                 -> File (directory or file path)
//
// run captures SIGINT / SIGTERM and shuts the node down gracefully:
//   ingress -> manager -> flows -> workers -> final snapshot -> journal.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dataspace-connector/internal/connector"
	"github.com/ChuLiYu/dataspace-connector/internal/metrics"
	"github.com/ChuLiYu/dataspace-connector/internal/pipeline"
	"github.com/ChuLiYu/dataspace-connector/internal/storage/wal"
	"github.com/ChuLiYu/dataspace-connector/internal/vault"
	"github.com/ChuLiYu/dataspace-connector/internal/worker"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

const defaultConfigPath = "configs/default.yaml"

type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Dataspace connector: transfer process control plane and data plane",
		Long: `A dataspace connector node with:
- Leased transfer process state machine
- Journaled command queue with crash recovery
- Parallel streaming data pipeline (file, HTTP, memory)
- gRPC and HTTP protocol ingress`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := setupLogging(cmd.ErrOrStderr(), opts.logLevel); err != nil {
				return err
			}
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil {
					return fmt.Errorf("failed to load env file: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file applied to the environment first")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildCopyCommand())
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

func setupLogging(w io.Writer, level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	// component loggers are bound at init to the default handler, which
	// filters on the log logger level
	slog.SetLogLoggerLevel(l)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})))
	return nil
}

// loadConfig reads the config file. The default path may be missing, in
// which case defaults and the environment apply.
func loadConfig(path string) (connector.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return connector.LoadConfig(path)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a connector node",
		Long:  "Recover persisted state, then serve the transfer protocol until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg connector.Config) error {
	c, err := connector.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}
	if err := c.Start(); err != nil {
		_ = c.Stop()
		return fmt.Errorf("failed to start connector: %w", err)
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")
	if err := c.Stop(); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	slog.Info("Connector stopped. Goodbye!")
	return nil
}

// ============================================================================
// copy
// ============================================================================

type copyOptions struct {
	pattern       string
	partitionSize int
	workers       int
	timeout       time.Duration
}

func buildCopyCommand() *cobra.Command {
	opts := &copyOptions{}
	cmd := &cobra.Command{
		Use:   "copy SOURCE DESTINATION",
		Short: "Stream data from one address to another",
		Long:  "Run a single pipeline flow without a transfer process. DESTINATION '-' writes to standard output.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return runCopy(ctx, args[0], args[1], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "glob selecting files of a directory source")
	cmd.Flags().IntVar(&opts.partitionSize, "partition-size", 5, "parts written per worker task")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "worker goroutines")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "abort the copy after this long")
	return cmd
}

// parseAddress maps a command line address onto a data address.
func parseAddress(arg, pattern string) *types.DataAddress {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return &types.DataAddress{Type: pipeline.HTTPType, Properties: map[string]string{"baseUrl": arg}}
	}
	props := map[string]string{"path": arg}
	if pattern != "" {
		props["pattern"] = pattern
	}
	return &types.DataAddress{Type: pipeline.FileType, Properties: props}
}

func runCopy(ctx context.Context, src, dst string, opts *copyOptions, stdout io.Writer) error {
	if src == "-" {
		return errors.New("standard input is not a supported source")
	}
	pool := worker.NewPool(opts.workers * 2)
	if err := pool.Start(opts.workers); err != nil {
		return err
	}
	defer pool.Stop()

	p := connector.NewPipeline(connector.DataPlane{
		Executor:      pool,
		Buckets:       pipeline.NewBuckets(),
		Secrets:       vault.EnvVault{},
		PartitionSize: opts.partitionSize,
		Collector:     metrics.NewCollector(prometheus.NewRegistry()),
	})

	req := pipeline.DataFlowRequest{
		ID:                uuid.NewString(),
		SourceDataAddress: parseAddress(src, opts.pattern),
	}

	var res pipeline.StreamResult[any]
	var err error
	start := time.Now()
	if dst == "-" {
		res, err = p.TransferTo(ctx, req, pipeline.NewWriterSink(stdout)).Await(ctx)
	} else {
		req.DestinationDataAddress = parseAddress(dst, "")
		if v := p.Validate(req); v.Failed() {
			return errors.New(v.FailureDetail())
		}
		res, err = p.Transfer(ctx, req).Await(ctx)
	}
	if err != nil {
		return fmt.Errorf("copy aborted: %w", err)
	}
	if res.Failed() {
		return fmt.Errorf("copy failed: %s", res.FailureDetail())
	}
	slog.Info("Copy completed", "flowID", req.ID, "source", src, "destination", dst, "duration", time.Since(start))
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted transfer process status",
		Long:  "Read the store configured for this node and list its transfer processes per state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			processes, err := connector.LoadProcesses(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to read processes: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(processes)
			}
			var journal *wal.Stats
			if cfg.Journal.Path != "" {
				if journal, err = wal.GetStats(cfg.Journal.Path); err != nil {
					return fmt.Errorf("failed to read journal: %w", err)
				}
			}
			return printStatus(cmd.OutOrStdout(), cfg, processes, journal)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print processes as JSON")
	return cmd
}

func printStatus(w io.Writer, cfg connector.Config, processes []*types.TransferProcess, journal *wal.Stats) error {
	counts := make(map[string]int)
	for _, tp := range processes {
		counts[tp.State.String()]++
	}
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)

	fmt.Fprintf(w, "Participant: %s\n", cfg.Participant.ID)
	fmt.Fprintf(w, "Store:       %s\n", cfg.Store.Type)
	if journal != nil {
		fmt.Fprintf(w, "Journal:     %d events, %d pending commands, last seq %d\n", journal.Events, journal.Pending(), journal.LastSeq)
	}
	fmt.Fprintf(w, "Processes:   %d\n", len(processes))
	for _, s := range states {
		fmt.Fprintf(w, "  %-14s %d\n", s, counts[s])
	}
	if len(processes) == 0 {
		return nil
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tSTATE\tASSET\tCOUNTERPARTY\tERROR")
	for _, tp := range processes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", tp.ID, tp.Type, tp.State, tp.AssetID, tp.CounterPartyAddress, tp.ErrorDetail)
	}
	return tw.Flush()
}
