package extprocmux

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is an Observer that counts transaction outcomes and handle
// lifecycle events. Recording only touches atomics and pre-resolved
// Prometheus instruments, so it never blocks the goroutines it observes.
//
// A Collector is also a prometheus.Collector, so it can be registered to
// export its instruments.
type Collector struct {
	clock clock.Clock

	start      atomic.Int64
	completed  atomic.Uint64
	aborted    atomic.Uint64
	opened     atomic.Uint64
	closed     atomic.Uint64
	drained    atomic.Uint64
	violations atomic.Uint64
	latencyNs  atomic.Int64

	txns          *prometheus.CounterVec
	txnCompleted  prometheus.Counter
	txnAborted    prometheus.Counter
	latency       prometheus.Histogram
	handlesOpened prometheus.Counter
	handlesClosed *prometheus.CounterVec
	closedClean   prometheus.Counter
	closedFailed  prometheus.Counter
	carried       prometheus.Histogram
	drainedTotal  prometheus.Counter
	violationsTot prometheus.Counter
}

var _ Observer = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector whose window starts now. If clk is nil,
// the wall clock is used.
func NewCollector(clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.New()
	}
	txns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "extprocmux",
		Name:      "transactions_total",
		Help:      "Transactions that reached a terminal state, by state.",
	}, []string{"state"})
	handlesClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "extprocmux",
		Name:      "handles_closed_total",
		Help:      "Stream handles closed, by outcome.",
	}, []string{"outcome"})
	c := &Collector{
		clock:        clk,
		txns:         txns,
		txnCompleted: txns.WithLabelValues(Completed.String()),
		txnAborted:   txns.WithLabelValues(Aborted.String()),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "extprocmux",
			Name:      "transaction_latency_seconds",
			Help:      "Time from submission to completion of completed transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		handlesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extprocmux",
			Name:      "handles_opened_total",
			Help:      "Stream handles whose stream was opened.",
		}),
		handlesClosed: handlesClosed,
		closedClean:   handlesClosed.WithLabelValues("clean"),
		closedFailed:  handlesClosed.WithLabelValues("failed"),
		carried: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "extprocmux",
			Name:      "handle_transactions",
			Help:      "Transactions carried by each stream handle over its lifetime.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		drainedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extprocmux",
			Name:      "drained_responses_total",
			Help:      "Responses consumed and discarded on behalf of aborted transactions.",
		}),
		violationsTot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "extprocmux",
			Name:      "protocol_violations_total",
			Help:      "Responses that could not be correlated to any request.",
		}),
	}
	c.start.Store(clk.Now().UnixNano())
	return c
}

func (c *Collector) TransactionFinished(r Result) {
	if r.State == Completed {
		c.completed.Add(1)
		lat := r.Latency()
		c.latencyNs.Add(int64(lat))
		c.txnCompleted.Inc()
		c.latency.Observe(lat.Seconds())
		return
	}
	c.aborted.Add(1)
	c.txnAborted.Inc()
}

func (c *Collector) HandleOpened(uint64) {
	c.opened.Add(1)
	c.handlesOpened.Inc()
}

func (c *Collector) HandleClosed(_ uint64, transactions int, err error) {
	c.closed.Add(1)
	c.carried.Observe(float64(transactions))
	if err != nil {
		c.closedFailed.Inc()
	} else {
		c.closedClean.Inc()
	}
}

func (c *Collector) ResponseDrained(uint64) {
	c.drained.Add(1)
	c.drainedTotal.Inc()
}

func (c *Collector) ProtocolViolation(uint64) {
	c.violations.Add(1)
	c.violationsTot.Inc()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.txns.Describe(ch)
	c.latency.Describe(ch)
	c.handlesOpened.Describe(ch)
	c.handlesClosed.Describe(ch)
	c.carried.Describe(ch)
	c.drainedTotal.Describe(ch)
	c.violationsTot.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.txns.Collect(ch)
	c.latency.Collect(ch)
	c.handlesOpened.Collect(ch)
	c.handlesClosed.Collect(ch)
	c.carried.Collect(ch)
	c.drainedTotal.Collect(ch)
	c.violationsTot.Collect(ch)
}

// Reset starts a new window. Snapshot counts start again from zero; the
// exported Prometheus instruments are cumulative and are not affected.
func (c *Collector) Reset() {
	c.completed.Store(0)
	c.aborted.Store(0)
	c.opened.Store(0)
	c.closed.Store(0)
	c.drained.Store(0)
	c.violations.Store(0)
	c.latencyNs.Store(0)
	c.start.Store(c.clock.Now().UnixNano())
}

// Snapshot returns the counts recorded since the collector was created or
// last reset. The counts are read one at a time, so a snapshot taken while
// transactions are finishing may be off by the few that finish while it is
// taken.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Completed:     c.completed.Load(),
		Aborted:       c.aborted.Load(),
		HandlesOpened: c.opened.Load(),
		HandlesClosed: c.closed.Load(),
		Drained:       c.drained.Load(),
		Violations:    c.violations.Load(),
		Elapsed:       c.clock.Since(time.Unix(0, c.start.Load())),
	}
	if s.Completed > 0 {
		s.MeanLatency = time.Duration(c.latencyNs.Load() / int64(s.Completed))
	}
	return s
}

// Snapshot is a point-in-time view of a Collector.
type Snapshot struct {
	Completed     uint64        `json:"completed"`
	Aborted       uint64        `json:"aborted"`
	HandlesOpened uint64        `json:"handles_opened"`
	HandlesClosed uint64        `json:"handles_closed"`
	Drained       uint64        `json:"drained"`
	Violations    uint64        `json:"protocol_violations"`
	MeanLatency   time.Duration `json:"mean_latency"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Throughput is the rate of completed transactions per second over the
// snapshot's window.
func (s Snapshot) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Elapsed.Seconds()
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%.1f req/s, avg latency %v, %d completed, %d aborted",
		s.Throughput(), s.MeanLatency, s.Completed, s.Aborted)
}
