// Command extprocsvr is an ext_proc server that lets every request continue
// unchanged. It serves any number of transactions per stream, so it can be
// used to benchmark clients with any reuse policy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/fullstorydev/grpchan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/jhump/extprocmux"
	"github.com/jhump/extprocmux/internal/config"
	"github.com/jhump/extprocmux/internal/observability"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	defaults := config.DefaultServer()
	var configPath string
	cmd := &cobra.Command{
		Use:           "extprocsvr [flags]",
		Short:         "Serve the ext_proc service, letting every request continue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultServer()
			if err := config.Load(configPath, cmd.Flags(), &cfg); err != nil {
				return err
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a config file (YAML, JSON, or TOML)")
	flags.String("host", defaults.Host, "Address on which to listen")
	flags.IntP("port", "p", defaults.Port, "Port on which to listen")
	flags.String("metrics-addr", defaults.MetricsAddr, "If set, address on which to serve Prometheus metrics")
	flags.Duration("shutdown-grace", defaults.ShutdownGrace, "How long to let streams finish when shutting down")
	flags.String("log-level", defaults.Log.Level, "Log level: debug, info, warn, or error")
	flags.String("log-format", defaults.Log.Format, "Log format: console or json")
	flags.StringSlice("log-outputs", defaults.Log.Outputs, "Log outputs: stdout, stderr, or file paths")
	return cmd
}

func serve(ctx context.Context, cfg config.Server) (retErr error) {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	streamsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extprocsvr",
		Name:      "streams_opened_total",
		Help:      "Streams opened by clients.",
	})
	streamsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "extprocsvr",
		Name:      "streams_active",
		Help:      "Streams currently open.",
	})
	transactions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "extprocsvr",
		Name:      "transactions_total",
		Help:      "Transactions served, counted when their stream ends.",
	})

	svc := extprocmux.NewServer(
		extprocmux.ContinueProducer{Mode: extprocmux.DefaultProcessingMode()},
		extprocmux.ServerOptions{
			Logger: logger.Named("server"),
			OnStreamOpen: func(extprocmux.StreamInfo) {
				streamsOpened.Inc()
				streamsActive.Inc()
			},
			OnStreamClose: func(info extprocmux.StreamInfo) {
				streamsActive.Dec()
				transactions.Add(float64(info.Transactions))
			},
		},
	)

	handlers := grpchan.HandlerMap{}
	extprocv3.RegisterExternalProcessorServer(withStreamLogging(handlers, logger), svc)
	gs := grpc.NewServer()
	handlers.ForEach(gs.RegisterService)

	if cfg.MetricsAddr != "" {
		reg, err := observability.NewRegistry(streamsOpened, streamsActive, transactions)
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

	lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	logger.Info("serving", zap.String("addr", lis.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gs.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		// only returns on failure; otherwise the process is stopped via signal
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
	svc.InitiateShutdown()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		gs.GracefulStop()
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("streams still open after grace period; stopping")
		gs.Stop()
		<-stopped
	}
	if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func withStreamLogging(reg grpc.ServiceRegistrar, logger *zap.Logger) grpc.ServiceRegistrar {
	return grpchan.WithInterceptor(
		reg,
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			return handler(ctx, req)
		},
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			start := time.Now()
			err := handler(srv, ss)
			streamID, _ := extprocmux.StreamIDFromIncomingContext(ss.Context())
			if err != nil {
				logger.Warn("stream failed", zap.String("method", info.FullMethod),
					zap.String("stream_id", streamID), zap.Duration("duration", time.Since(start)), zap.Error(err))
			} else {
				logger.Debug("stream finished", zap.String("method", info.FullMethod),
					zap.String("stream_id", streamID), zap.Duration("duration", time.Since(start)))
			}
			return err
		},
	)
}
