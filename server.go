package extprocmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
)

// ServeStream answers the requests that arrive on the given stream using the
// given producer, until the client closes its side of the stream. It returns
// nil in that case, or the error that ended the stream otherwise.
//
// This is typically called from a handler that implements the
// ExternalProcessorServer interface. Typical usage looks like so:
//
//	func (h handler) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
//	    return extprocmux.ServeStream(stream, h.producer)
//	}
//
// Use a Server instead to get logging, lifecycle callbacks, and graceful
// shutdown.
func ServeStream(stream extprocv3.ExternalProcessor_ProcessServer, producer ResponseProducer) error {
	return NewServer(producer, ServerOptions{}).serve(stream)
}

// StreamInfo describes a stream served by a Server.
type StreamInfo struct {
	// StreamID is the identifier the client sent in the extprocmux-stream-id
	// header, or empty if it sent none.
	StreamID string
	// Transactions is the number of transactions started on the stream.
	Transactions uint64
	// Requests is the number of requests received on the stream.
	Requests uint64
	// Err is the error that ended the stream. It is always nil when passed to
	// OnStreamOpen.
	Err error
}

// ServerOptions contains various fields that can be used to customize a
// Server.
//
// See NewServer.
type ServerOptions struct {
	// Logger is used to log stream lifecycle events and failed answers. If
	// nil, nothing is logged.
	Logger *zap.Logger
	// If set, this callback is called when a stream is opened.
	OnStreamOpen func(StreamInfo)
	// If set, this callback is called when a stream ends.
	OnStreamClose func(StreamInfo)
}

// Server implements the ext_proc service. It serves any number of
// transactions per stream and makes no assumption about when a stream ends:
// that is up to the client.
//
// Every request is answered, in the order the requests arrived, even when
// the producer fails. Failures are answered with an immediate response.
type Server struct {
	extprocv3.UnimplementedExternalProcessorServer

	producer ResponseProducer
	logger   *zap.Logger
	onOpen   func(StreamInfo)
	onClose  func(StreamInfo)
	stopping atomic.Bool
}

var _ extprocv3.ExternalProcessorServer = (*Server)(nil)

// NewServer creates a new server that answers requests using the given
// producer.
//
// Register it with a *grpc.Server (or any grpc.ServiceRegistrar) using
// extprocv3.RegisterExternalProcessorServer.
func NewServer(producer ResponseProducer, options ServerOptions) *Server {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		producer: producer,
		logger:   logger,
		onOpen:   options.OnStreamOpen,
		onClose:  options.OnStreamClose,
	}
}

// Process implements extprocv3.ExternalProcessorServer.
func (s *Server) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	return s.serve(stream)
}

// InitiateShutdown starts the graceful shutdown process and returns
// immediately. This complements the GracefulStop method of a *grpc.Server,
// which prevents new streams: transactions that start on existing streams
// after this is called are answered with an "unavailable" immediate
// response, so clients stop using those streams. Transactions already
// started are answered normally.
func (s *Server) InitiateShutdown() {
	s.stopping.Store(true)
}

type processStream interface {
	Context() context.Context
	Send(*extprocv3.ProcessingResponse) error
	Recv() (*extprocv3.ProcessingRequest, error)
}

// reply is the answer to one request. Replies are queued in request order
// and each becomes ready once its producer returns.
type reply struct {
	info  RequestInfo
	ready chan struct{}
	resps []*extprocv3.ProcessingResponse
}

func newReply(info RequestInfo) *reply {
	return &reply{info: info, ready: make(chan struct{})}
}

func (r *reply) set(resps ...*extprocv3.ProcessingResponse) {
	r.resps = resps
	close(r.ready)
}

// demux tracks transaction boundaries on one stream.
type demux struct {
	streamID     string
	transactions uint64
	requests     uint64
	index        int
	inTxn        bool
	// rejecting is set for a transaction that started after shutdown began.
	rejecting bool
}

func (s *Server) serve(stream processStream) (err error) {
	streamID, _ := StreamIDFromIncomingContext(stream.Context())
	d := &demux{streamID: streamID}
	logger := s.logger.With(zap.String("stream_id", streamID))

	if s.onOpen != nil {
		s.onOpen(StreamInfo{StreamID: streamID})
	}
	logger.Debug("stream opened")
	defer func() {
		logger.Debug("stream closed",
			zap.Uint64("transactions", d.transactions), zap.Uint64("requests", d.requests), zap.Error(err))
		if s.onClose != nil {
			s.onClose(StreamInfo{
				StreamID:     streamID,
				Transactions: d.transactions,
				Requests:     d.requests,
				Err:          err,
			})
		}
	}()

	replies := newQueue[*reply]()
	g, ctx := errgroup.WithContext(stream.Context())
	g.Go(func() error {
		err := s.readLoop(ctx, g, stream, d, replies, logger)
		if err != nil {
			replies.cancel()
		} else {
			replies.close()
		}
		return err
	})
	g.Go(func() error {
		return s.writeLoop(ctx, stream, replies)
	})
	return g.Wait()
}

// readLoop detects transaction boundaries and starts a producer for every
// request. Requests that cannot be handed to the producer are answered right
// away.
func (s *Server) readLoop(ctx context.Context, g *errgroup.Group, stream processStream, d *demux, replies *queue[*reply], logger *zap.Logger) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		d.requests++

		kind, phase, err := ClassifyRequest(req)
		info := RequestInfo{StreamID: d.streamID, Kind: kind, Phase: phase}
		r := newReply(info)
		switch {
		case err != nil:
			logger.Warn("protocol violation: malformed request", zap.Uint64("request", d.requests), zap.Error(err))
			r.set(immediateFailure(codes.InvalidArgument, typev3.StatusCode_BadRequest, err.Error()))
		case kind == RequestStart:
			if d.inTxn {
				logger.Debug("transaction ended without a terminal request", zap.Uint64("transaction", d.transactions))
			}
			d.transactions++
			d.index = 0
			d.inTxn = true
			d.rejecting = s.stopping.Load()
		case !d.inTxn:
			logger.Warn("protocol violation: request outside of any transaction",
				zap.Uint64("request", d.requests), zap.Stringer("phase", phase))
			r.set(immediateFailure(codes.InvalidArgument, typev3.StatusCode_BadRequest,
				fmt.Sprintf("%s request does not belong to any transaction", phase)))
		default:
			d.index++
		}

		if err == nil && (kind == RequestStart || d.inTxn) {
			r.info.Transaction = d.transactions
			r.info.Index = d.index
			if d.rejecting {
				r.set(immediateFailure(codes.Unavailable, typev3.StatusCode_ServiceUnavailable, "server is shutting down"))
			} else {
				g.Go(func() error {
					s.produce(ctx, req, r, logger)
					return nil
				})
			}
			if kind == RequestTerminal {
				d.inTxn = false
			}
		}

		if !replies.push(r) {
			// writer is gone; its error is reported by the group
			return nil
		}
	}
}

// produce calls the producer and sets the reply, making sure the request is
// answered even if the producer fails or panics.
func (s *Server) produce(ctx context.Context, req *extprocv3.ProcessingRequest, r *reply, logger *zap.Logger) {
	var resps []*extprocv3.ProcessingResponse
	var err error
	panicked := true // pessimistic assumption

	defer func() {
		if panicked {
			p := recover()
			err = fmt.Errorf("panic: %v", p)
		}
		if err == nil {
			err = checkAnswer(r.info.Phase, resps)
		}
		if err != nil {
			err = &Error{Kind: KindProducerFailure, Err: err}
			logger.Error("failed to answer request",
				zap.Uint64("transaction", r.info.Transaction), zap.Int("index", r.info.Index),
				zap.Stringer("phase", r.info.Phase), zap.Error(err))
			r.set(immediateFailure(codes.Internal, typev3.StatusCode_InternalServerError, err.Error()))
			return
		}
		r.set(resps...)
	}()

	resps, err = s.producer.Produce(withRequestInfo(ctx, r.info), req)
	panicked = false
}

// checkAnswer verifies that the given responses can answer a request of the
// given phase.
func checkAnswer(phase Phase, resps []*extprocv3.ProcessingResponse) error {
	if len(resps) == 0 {
		return errors.New("producer returned no responses")
	}
	for i, resp := range resps {
		if resp == nil {
			return fmt.Errorf("producer returned nil response at index %d", i)
		}
		switch p := responsePhase(resp); p {
		case phase:
		case PhaseImmediate:
			if i != len(resps)-1 {
				return fmt.Errorf("immediate response at index %d is not the last response", i)
			}
		case PhaseUnknown:
			return fmt.Errorf("response at index %d has no payload", i)
		default:
			return fmt.Errorf("%s response at index %d cannot answer %s request", p, i, phase)
		}
	}
	return nil
}

// writeLoop writes replies in request order. All but the last response of a
// reply announce that more follow, and all but the first are continuations.
// Those flags are set on copies, since producers may hand out shared
// messages.
func (s *Server) writeLoop(ctx context.Context, stream processStream, replies *queue[*reply]) error {
	for {
		r, ok := replies.dequeue()
		if !ok {
			return nil
		}
		select {
		case <-r.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		for i, resp := range r.resps {
			continuation, more := i > 0, i < len(r.resps)-1
			if continuation || more {
				resp = proto.Clone(resp).(*extprocv3.ProcessingResponse)
				stampResponse(resp, continuation, more)
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
		}
	}
}

func immediateFailure(code codes.Code, httpStatus typev3.StatusCode, details string) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:     &typev3.HttpStatus{Code: httpStatus},
				GrpcStatus: &extprocv3.GrpcStatus{Status: uint32(code)},
				Details:    details,
			},
		},
	}
}

// ImmediateStatus returns the gRPC status code carried by an immediate
// response, as sent by servers to report a request that could not be
// answered normally. It returns false if resp is not an immediate response.
func ImmediateStatus(resp *extprocv3.ProcessingResponse) (codes.Code, bool) {
	ir := resp.GetImmediateResponse()
	if ir == nil {
		return codes.OK, false
	}
	if ir.GetGrpcStatus() == nil {
		return codes.Unknown, true
	}
	return codes.Code(ir.GetGrpcStatus().GetStatus()), true
}
