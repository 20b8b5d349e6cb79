package extprocmux

import (
	"github.com/benbjohnson/clock"
	ext_procv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Option is an option for configuring the behavior of a Multiplexer.
type Option interface {
	apply(*muxOpts)
}

// WithLogger returns an option that sets the logger used by the multiplexer
// and its stream handles. By default nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return muxOptFunc(func(opts *muxOpts) {
		opts.logger = logger
	})
}

// WithObserver returns an option that reports transaction outcomes and
// stream handle lifecycle events to the given observer, such as a
// *Collector.
func WithObserver(observer Observer) Option {
	return muxOptFunc(func(opts *muxOpts) {
		opts.observer = observer
	})
}

// WithLanes returns an option that spreads transactions across n independent
// target handles, picked round-robin. Each lane applies the reuse policy on
// its own. The default is a single lane, so transactions are carried one at a
// time in submission order.
//
// It panics if n is less than one.
func WithLanes(n int) Option {
	if n < 1 {
		panic("number of lanes must be positive")
	}
	return muxOptFunc(func(opts *muxOpts) {
		opts.lanes = n
	})
}

// WithCallOptions returns an option that supplies call options used whenever
// a stream is opened.
func WithCallOptions(callOpts ...grpc.CallOption) Option {
	return muxOptFunc(func(opts *muxOpts) {
		opts.callOpts = append(opts.callOpts, callOpts...)
	})
}

// WithClock returns an option that sets the clock used to timestamp
// transactions. It is mostly useful in tests.
func WithClock(clk clock.Clock) Option {
	return muxOptFunc(func(opts *muxOpts) {
		opts.clock = clk
	})
}

// WithProcessingMode returns an option that makes stream handles track the
// processing mode of their stream, the way a proxy does. Every new stream
// starts in the given mode, and the mode_override of any inbound response
// replaces it for the rest of that stream. Requests the current mode leaves
// out (headers whose mode is SKIP, bodies whose mode is NONE, trailers whose
// mode is not SEND) are not sent, and are reported in Result.Skipped. The
// request_headers message that starts a transaction is always sent.
//
// Since an override only affects the requests written after it arrives,
// handles that track modes write each request only once the previous one is
// fully answered, instead of writing a transaction's requests back to back.
func WithProcessingMode(mode *ext_procv3.ProcessingMode) Option {
	return muxOptFunc(func(opts *muxOpts) {
		opts.mode = mode
	})
}

type muxOpts struct {
	logger   *zap.Logger
	observer Observer
	lanes    int
	callOpts []grpc.CallOption
	clock    clock.Clock
	mode     *ext_procv3.ProcessingMode
}

func (o *muxOpts) applyDefaults() {
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.lanes == 0 {
		o.lanes = 1
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
}

type muxOptFunc func(*muxOpts)

func (f muxOptFunc) apply(opts *muxOpts) {
	f(opts)
}
