// Command extprocbench measures ext_proc transaction throughput under a
// stream reuse policy. Every worker sends the transaction described by a
// fixture, over and over, through a shared multiplexer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/fullstorydev/grpchan"
	"github.com/fullstorydev/grpchan/inprocgrpc"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jhump/extprocmux"
	"github.com/jhump/extprocmux/internal"
	"github.com/jhump/extprocmux/internal/bench"
	"github.com/jhump/extprocmux/internal/config"
	"github.com/jhump/extprocmux/internal/fixture"
	"github.com/jhump/extprocmux/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	defaults := config.DefaultBench()
	var configPath string
	cmd := &cobra.Command{
		Use:   "extprocbench [flags] <fixture> [server-url]",
		Short: "Benchmark ext_proc transactions over reused streams",
		Long: "Sends the transaction described by the fixture from many workers at once and\n" +
			"reports the throughput. Without --reuse-streams every transaction gets its own\n" +
			"stream; with it, streams are reused, and rotated after --stream-max-handle\n" +
			"transactions if that is set.",
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultBench()
			if err := config.Load(configPath, cmd.Flags(), &cfg); err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Fixture = args[0]
			}
			if len(args) > 1 {
				cfg.ServerURL = args[1]
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a config file (YAML, JSON, or TOML)")
	flags.String("fixture", defaults.Fixture, "Path to the fixture describing the transaction (or give it as the first argument)")
	flags.String("server-url", defaults.ServerURL, "Address of the ext_proc server (or give it as the second argument)")
	flags.Bool("loopback", defaults.Loopback, "Run the server in-process instead of dialing one")
	flags.IntP("stream-concurrency", "s", defaults.StreamConcurrency, "How many workers submit transactions concurrently")
	flags.Bool("reuse-streams", defaults.ReuseStreams, "Reuse streams for more than one transaction")
	flags.Int("stream-max-handle", defaults.StreamMaxHandle, "How many transactions a stream carries before it is rotated (0 for no limit)")
	flags.Int("lanes", defaults.Lanes, "How many streams carry transactions at once (0 for one per worker)")
	flags.Bool("track-modes", defaults.TrackModes, "Follow the server's mode overrides on each stream")
	flags.DurationP("warmup", "w", defaults.Warmup, "Benchmark warmup duration")
	flags.DurationP("duration", "d", defaults.Duration, "Benchmark duration")
	flags.Duration("report-interval", defaults.ReportInterval, "How often to log progress")
	flags.Bool("print-errors", defaults.PrintErrors, "Log every failed transaction")
	flags.String("metrics-addr", defaults.MetricsAddr, "If set, address on which to serve Prometheus metrics")
	flags.String("report", defaults.Report, "Where to write the JSON report (\"-\" for stdout)")
	flags.String("log-level", defaults.Log.Level, "Log level: debug, info, warn, or error")
	flags.String("log-format", defaults.Log.Format, "Log format: console or json")
	flags.StringSlice("log-outputs", defaults.Log.Outputs, "Log outputs: stdout, stderr, or file paths")
	return cmd
}

func run(ctx context.Context, cfg config.Bench, stdout io.Writer) (retErr error) {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	data, err := fixture.Load(cfg.Fixture)
	if err != nil {
		return err
	}
	spec := data.Spec(extprocmux.DefaultProcessingMode())
	if cfg.TrackModes {
		// every message is offered; each stream's mode decides what is sent
		spec = data.Spec(nil)
	}

	var conn grpc.ClientConnInterface
	if cfg.Loopback {
		var ch inprocgrpc.Channel
		svc := extprocmux.NewServer(
			extprocmux.ContinueProducer{Mode: extprocmux.DefaultProcessingMode()},
			extprocmux.ServerOptions{Logger: logger.Named("server")},
		)
		extprocv3.RegisterExternalProcessorServer(&ch, svc)
		conn = &ch
	} else {
		dialer := internal.Dialer{Logger: logger.Named("dial"), Timeout: 5 * time.Second}
		cc, err := dialer.BlockingDial(ctx, cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("could not connect to server: %w", err)
		}
		defer func() {
			_ = cc.Close()
		}()
		conn = cc
	}
	var streams atomic.Int64
	conn = withStreamCounts(conn, &streams)

	collector := extprocmux.NewCollector(nil)
	policy := cfg.Policy()
	muxOpts := []extprocmux.Option{
		extprocmux.WithLogger(logger.Named("mux")),
		extprocmux.WithObserver(collector),
		extprocmux.WithLanes(cfg.Lanes),
	}
	if cfg.TrackModes {
		muxOpts = append(muxOpts, extprocmux.WithProcessingMode(extprocmux.DefaultProcessingMode()))
	}
	mux := extprocmux.NewMultiplexer(extprocv3.NewExternalProcessorClient(conn), policy, muxOpts...)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		retErr = multierr.Append(retErr, mux.Shutdown(sctx))
	}()

	if cfg.MetricsAddr != "" {
		reg, err := observability.NewRegistry(collector)
		if err != nil {
			return err
		}
		ms, err := observability.ServeMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			retErr = multierr.Append(retErr, ms.Shutdown(sctx))
		}()
	}

	logger.Info("starting benchmark",
		zap.String("policy", policy.String()),
		zap.Int("stream_concurrency", cfg.StreamConcurrency),
		zap.Int("lanes", cfg.Lanes),
		zap.Bool("track_modes", cfg.TrackModes),
		zap.Int("requests_per_transaction", len(spec.Requests)),
		zap.Bool("loopback", cfg.Loopback))
	runner := bench.NewRunner(bench.Config{
		Concurrency:    cfg.StreamConcurrency,
		Warmup:         cfg.Warmup,
		Duration:       cfg.Duration,
		ReportInterval: cfg.ReportInterval,
		PrintErrors:    cfg.PrintErrors,
	}, mux, collector, logger.Named("bench"))
	report, err := runner.Run(ctx, policy.String(), spec)
	if err != nil {
		return err
	}
	logger.Info("streams opened", zap.Int64("count", streams.Load()))

	return writeReport(cfg.Report, report, stdout)
}

func writeReport(path string, report *bench.Report, stdout io.Writer) error {
	switch path {
	case "":
		return nil
	case "-":
		return report.WriteJSON(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return multierr.Append(report.WriteJSON(f), f.Close())
}

func withStreamCounts(ch grpc.ClientConnInterface, counts *atomic.Int64) grpc.ClientConnInterface {
	return grpchan.InterceptClientConn(
		ch,
		func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(ctx, method, req, reply, cc, opts...)
		},
		func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			counts.Add(1)
			return streamer(ctx, desc, cc, method, opts...)
		},
	)
}
