// Package bench drives a load of identical transactions through a
// Multiplexer and reports the resulting throughput.
package bench

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/jhump/extprocmux"
)

// Submitter runs one transaction to completion. *extprocmux.Multiplexer
// implements it.
type Submitter interface {
	Do(ctx context.Context, spec extprocmux.TransactionSpec) (*extprocmux.Result, error)
}

// Config controls a benchmark run.
type Config struct {
	// Concurrency is the number of workers, each running one transaction at
	// a time.
	Concurrency int
	// Warmup is how long to run before measuring. Whatever happened during
	// warmup is left out of the report.
	Warmup time.Duration
	// Duration is how long to measure for.
	Duration time.Duration
	// ReportInterval is how often progress is logged. Zero disables it.
	ReportInterval time.Duration
	// PrintErrors logs every failed transaction.
	PrintErrors bool
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Report is the outcome of a benchmark run.
type Report struct {
	Policy      string              `json:"policy"`
	Concurrency int                 `json:"concurrency"`
	Throughput  float64             `json:"throughput"`
	Errors      uint64              `json:"errors"`
	Refused     uint64              `json:"refused"`
	Stats       extprocmux.Snapshot `json:"stats"`
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Runner runs benchmarks.
type Runner struct {
	cfg       Config
	sub       Submitter
	collector *extprocmux.Collector
	logger    *zap.Logger

	running atomic.Bool
	errors  atomic.Uint64
	refused atomic.Uint64
}

// NewRunner creates a runner that submits transactions with sub. The
// collector must be the one observing sub, so that the report reflects its
// transactions.
func NewRunner(cfg Config, sub Submitter, collector *extprocmux.Collector, logger *zap.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, sub: sub, collector: collector, logger: logger}
}

// Run submits the given transaction from every worker, over and over, until
// the warmup and measured duration have elapsed or ctx is done. Failed
// transactions are counted, not fatal. It returns an error only if ctx ends
// the run early.
func (r *Runner) Run(ctx context.Context, policy string, spec extprocmux.TransactionSpec) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.running.Store(true)
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		grp.Go(func() error {
			for r.running.Load() {
				if err := ctx.Err(); err != nil {
					return err
				}
				r.runOne(ctx, spec)
			}
			return nil
		})
	}

	err := r.wait(ctx)
	r.running.Store(false)
	if werr := grp.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return nil, err
	}

	stats := r.collector.Snapshot()
	report := &Report{
		Policy:      policy,
		Concurrency: r.cfg.Concurrency,
		Throughput:  stats.Throughput(),
		Errors:      r.errors.Load(),
		Refused:     r.refused.Load(),
		Stats:       stats,
	}
	r.logger.Info("benchmark finished",
		zap.String("policy", policy),
		zap.Float64("req_per_sec", report.Throughput),
		zap.Duration("avg_latency", stats.MeanLatency),
		zap.Uint64("completed", stats.Completed),
		zap.Uint64("errors", report.Errors),
		zap.Uint64("handles_opened", stats.HandlesOpened))
	return report, nil
}

// wait sleeps through the warmup, resets the counters, and then logs
// progress until the measured duration is over.
func (r *Runner) wait(ctx context.Context) error {
	clk := r.cfg.Clock
	if r.cfg.Warmup > 0 {
		r.logger.Info("warming up", zap.Duration("warmup", r.cfg.Warmup))
		select {
		case <-clk.After(r.cfg.Warmup):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.collector.Reset()
	r.errors.Store(0)
	r.refused.Store(0)
	r.logger.Info("measuring", zap.Duration("duration", r.cfg.Duration))

	var tick <-chan time.Time
	if r.cfg.ReportInterval > 0 {
		ticker := clk.Ticker(r.cfg.ReportInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	end := clk.After(r.cfg.Duration)
	for {
		select {
		case <-end:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			s := r.collector.Snapshot()
			r.logger.Info("progress",
				zap.Float64("req_per_sec", s.Throughput()),
				zap.Duration("avg_latency", s.MeanLatency),
				zap.Uint64("errors", r.errors.Load()))
		}
	}
}

func (r *Runner) runOne(ctx context.Context, spec extprocmux.TransactionSpec) {
	res, err := r.sub.Do(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			// run is over
			return
		}
		r.errors.Add(1)
		if r.cfg.PrintErrors {
			r.logger.Warn("transaction failed", zap.Error(err))
		}
		return
	}
	for _, resp := range res.Responses {
		if code, ok := extprocmux.ImmediateStatus(resp.Message); ok && code != codes.OK {
			r.refused.Add(1)
			if r.cfg.PrintErrors {
				r.logger.Warn("server refused request",
					zap.Uint64("transaction", res.TransactionID),
					zap.Int("request", resp.RequestIndex),
					zap.Stringer("code", code))
			}
			return
		}
	}
}
