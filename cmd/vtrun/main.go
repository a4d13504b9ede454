// Command vtrun starts one rank of the runtime.
//
// With transport.kind=loopback and --ranks > 1 it instead starts an entire
// loopback group in a single process, progressing every rank on its own
// goroutine — the mode ad hoc local runs use. With
// transport.kind=grpc (or --ranks left at 1) it starts exactly the one rank
// named by --config, dialing its peers over the network.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/internal/metricsserver"
	"github.com/ember-hpc/vt/internal/tracing"
	"github.com/ember-hpc/vt/pkg/config"
	"github.com/ember-hpc/vt/pkg/runtime"
	"github.com/ember-hpc/vt/pkg/statsfile"
)

var (
	configPath string
	ranks      int
	debug      bool
	trace      bool
	lbStrategy string
	statsIn    string
	statsOut   string
)

var rootCmd = &cobra.Command{
	Use:           "vtrun",
	Short:         "Start one rank (or an in-process group) of the runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().IntVar(&ranks, "ranks", 0, "loopback group size; 0 leaves transport.ranks from config untouched")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "force debug-level logging regardless of config")
	rootCmd.Flags().BoolVar(&trace, "trace", false, "force the event tracer on regardless of config")
	rootCmd.Flags().StringVar(&lbStrategy, "lb-strategy", "", "override load_balancer.strategy")
	rootCmd.Flags().StringVar(&statsIn, "stats-in", "", "stats file to load at startup and log a summary of")
	rootCmd.Flags().StringVar(&statsOut, "stats-out", "", "override stats.output_path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vtrun:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := log.Init(log.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	if statsIn != "" {
		logStatsSummary(statsIn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:    cfg.Telemetry.Enabled,
		Endpoint:   cfg.Telemetry.Endpoint,
		Insecure:   cfg.Telemetry.Insecure,
		SampleRate: cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	shutdownProfiling, err := tracing.InitProfiling(tracing.ProfilingConfig{
		Enabled:      cfg.Telemetry.Profiling.Enabled,
		Endpoint:     cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes: cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	defer func() { _ = shutdownProfiling() }()

	if cfg.Metrics.Enabled {
		tracing.InitRegistry()
		srv := metricsserver.New(cfg.Metrics.Port)
		go func() {
			if err := metricsserver.Serve(ctx, srv); err != nil {
				log.Warn("metrics server exited", "error", err)
			}
		}()
	}

	if cfg.Transport.Kind == "loopback" && cfg.Transport.Ranks > 1 {
		return runGroup(ctx, cancel, cfg)
	}
	return runSingle(ctx, cancel, cfg)
}

func applyFlagOverrides(cfg *config.Config) {
	if debug {
		cfg.Logging.Level = "DEBUG"
	}
	if trace {
		cfg.Trace.Enabled = true
	}
	if lbStrategy != "" {
		cfg.LoadBalancer.Strategy = lbStrategy
	}
	if statsOut != "" {
		cfg.Stats.OutputPath = statsOut
		cfg.Stats.Enabled = true
	}
	if ranks > 0 {
		cfg.Transport.Ranks = ranks
	}
}

func logStatsSummary(path string) {
	loads, comms, err := statsfile.Load(path)
	if err != nil {
		log.Warn("could not load stats file", "path", path, "error", err)
		return
	}
	log.Info("loaded stats file", "path", path, "load_records", len(loads), "comm_records", len(comms))
}

// runSingle starts exactly the rank named by cfg (its own address under
// transport.grpc, or rank 0 of a single-rank loopback network).
func runSingle(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	log.Info("vtrun started", "rank", rt.Rank(), "size", rt.Size(), "transport", cfg.Transport.Kind)

	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	waitForSignalOrDone(ctx, runDone)
	cancel()

	if err := rt.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runGroup starts cfg.Transport.Ranks ranks sharing one in-process loopback
// network, each progressing on its own goroutine until signalled. An
// errgroup fans the group out and collects whichever rank's Run returns
// first, the same way it would collect the first real failure.
func runGroup(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	group, err := runtime.NewLoopbackGroup(cfg, cfg.Transport.Ranks)
	if err != nil {
		return fmt.Errorf("start loopback group: %w", err)
	}
	log.Info("vtrun started loopback group", "size", len(group))

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range group {
		rt := rt
		g.Go(func() error { return rt.Run(gctx) })
	}

	exited := make(chan error, 1)
	go func() { exited <- g.Wait() }()

	waitForSignalOrDone(ctx, exited)
	cancel()

	var shutdownErr error
	for _, rt := range group {
		if err := rt.Shutdown(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	g.Wait() // every Run goroutine has exited by now; safe to call again
	return shutdownErr
}

func waitForSignalOrDone(ctx context.Context, done chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("runtime exited early", "error", err)
		}
	case <-ctx.Done():
	}
}
