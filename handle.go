package extprocmux

import (
	"context"
	"errors"
	"io"
	"sync"

	ext_procv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
)

// StreamOpener opens the ext_proc streams a Multiplexer carries transactions
// on. It is satisfied by the client stub returned from
// extprocv3.NewExternalProcessorClient, whether that wraps a *grpc.ClientConn
// or some other grpc.ClientConnInterface (like an in-process channel).
type StreamOpener interface {
	Process(ctx context.Context, opts ...grpc.CallOption) (extprocv3.ExternalProcessor_ProcessClient, error)
}

var (
	errStreamEnded        = errors.New("stream ended before the transaction completed")
	errMultiplexerClosed  = errors.New("multiplexer closed")
	errServerClosedEarly  = errors.New("server ended the stream with responses still owed")
	errHandleDrainTimeout = errors.New("handle did not drain before shutdown deadline")
)

type handleConfig struct {
	opener   StreamOpener
	callOpts []grpc.CallOption
	logger   *zap.Logger
	observer Observer
	// mode is the processing mode every new stream starts with. If nil, modes
	// are not tracked and every request is written.
	mode     *ext_procv3.ProcessingMode
	wg       *sync.WaitGroup
	onClosed func(*streamHandle)
}

// streamHandle owns one ext_proc stream. Transactions routed to it are queued
// and written one at a time by its send goroutine; its receive goroutine feeds
// every inbound response through the correlator.
type streamHandle struct {
	id       uint64
	streamID string
	cfg      handleConfig
	ctx      context.Context
	cancel   context.CancelFunc
	txns     *queue[*Transaction]
	closed   chan struct{}

	mu           sync.Mutex
	state        HandleState
	transactions int
	corr         correlator
	stream       extprocv3.ExternalProcessor_ProcessClient
	opened       bool
	sendDone     bool
	closeSent    bool
	err          *Error
	// mode is the stream's current processing mode, updated from the
	// mode_override of inbound responses. Nil unless modes are tracked.
	mode *ext_procv3.ProcessingMode
}

func newStreamHandle(ctx context.Context, id uint64, cfg handleConfig) *streamHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &streamHandle{
		id:       id,
		streamID: uuid.NewString(),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		txns:     newQueue[*Transaction](),
		closed:   make(chan struct{}),
		corr:     correlator{handleID: id},
	}
	if cfg.mode != nil {
		h.mode = proto.Clone(cfg.mode).(*ext_procv3.ProcessingMode)
	}
	return h
}

// admit routes the given transaction to this handle. Unless force is set, the
// policy is consulted first, under the same lock that guards the handle's
// state, so a handle can never be handed a transaction it is not eligible
// for. It reports whether the transaction was admitted.
//
// Once the handle has carried as many transactions as the policy allows, it
// stops accepting new ones and drains.
func (h *streamHandle) admit(policy ReusePolicy, txn *Transaction, force bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleOpen {
		return false
	}
	if !force && policy.Decide(HandleStatus{State: h.state, Transactions: h.transactions}, true) != Reuse {
		return false
	}
	h.transactions++
	h.txns.push(txn)
	txn.setHandle(h.id)
	if policy.Exhausted(h.transactions) {
		h.state = HandleDraining
		h.txns.close()
	}
	return true
}

// markDraining stops the handle from accepting new transactions. Those
// already queued are still carried, after which the stream is half-closed
// and the handle closes once every owed response has arrived. It reports
// whether the handle was open until now.
func (h *streamHandle) markDraining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HandleOpen {
		return false
	}
	h.state = HandleDraining
	h.txns.close()
	return true
}

func (h *streamHandle) info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	outstanding := h.txns.len()
	for _, e := range h.corr.entries {
		if e.txn.State() == Pending {
			outstanding++
		}
	}
	return HandleInfo{
		ID:           h.id,
		StreamID:     h.streamID,
		State:        h.state,
		Transactions: h.transactions,
		Outstanding:  outstanding,
		Draining:     h.corr.draining(),
	}
}

// Err returns the error that closed the handle. It is nil while the handle is
// still open or if it closed cleanly.
func (h *streamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		return nil
	}
	return h.err
}

// run is the handle's send goroutine.
func (h *streamHandle) run() {
	defer h.cfg.wg.Done()

	stream, err := h.open()
	if err != nil {
		h.close(transportFailure(h.id, err))
		return
	}
	if stream == nil {
		// closed while opening
		return
	}

	h.cfg.wg.Add(1)
	go h.recvLoop(stream)

	for {
		txn, ok := h.txns.dequeue()
		if !ok {
			break
		}
		if !h.carry(stream, txn) {
			return
		}
	}

	h.mu.Lock()
	h.sendDone = true
	h.mu.Unlock()
	h.maybeFinish()
}

func (h *streamHandle) open() (extprocv3.ExternalProcessor_ProcessClient, error) {
	stream, err := h.cfg.opener.Process(withStreamID(h.ctx, h.streamID), h.cfg.callOpts...)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if h.state == HandleClosed {
		h.mu.Unlock()
		return nil, nil
	}
	h.stream = stream
	h.opened = true
	h.mu.Unlock()

	h.cfg.observer.HandleOpened(h.id)
	h.cfg.logger.Debug("stream handle opened",
		zap.Uint64("handle", h.id), zap.String("stream_id", h.streamID))
	return stream, nil
}

// carry writes the given transaction's requests and then waits for it to
// finish, so that only one transaction is ever current on the stream. An
// aborted transaction finishes right away; the responses still owed to it are
// drained while the next transaction is written. It returns false if the
// handle closed.
//
// When processing modes are tracked, each request is only written once the
// previous one is fully answered, and requests the current mode leaves out
// are skipped.
func (h *streamHandle) carry(stream extprocv3.ExternalProcessor_ProcessClient, txn *Transaction) bool {
	if txn.State() != Pending {
		// aborted while queued: nothing sent, nothing owed
		return true
	}
	entry := newCorrelationEntry(txn)
	h.mu.Lock()
	if h.state == HandleClosed {
		err := h.failureLocked()
		h.mu.Unlock()
		txn.abort(err)
		return false
	}
	h.corr.begin(entry)
	h.mu.Unlock()

	for i, req := range txn.spec.Requests {
		h.mu.Lock()
		if h.state == HandleClosed {
			h.mu.Unlock()
			return false
		}
		if txn.State() != Pending {
			h.corr.truncate(entry)
			h.mu.Unlock()
			break
		}
		if i > 0 && !modeAllows(h.mode, req.Message) {
			resolved := h.corr.skip(entry)
			h.mu.Unlock()
			txn.skip(i)
			if resolved {
				h.completed(txn)
			}
			continue
		}
		entry.sent++
		h.mu.Unlock()

		if err := stream.Send(req.Message); err != nil {
			if err != io.EOF {
				h.close(transportFailure(h.id, err))
			}
			// Otherwise the actual error is reported by Recv, and the receive
			// loop closes the handle.
			return false
		}
		if h.cfg.mode != nil && !h.await(entry, i) {
			return false
		}
	}
	select {
	case <-txn.Done():
		return true
	case <-h.closed:
		return false
	}
}

// await blocks until the request at the given index is fully answered or its
// transaction is finished. It returns false if the handle closed.
func (h *streamHandle) await(entry *correlationEntry, idx int) bool {
	for {
		h.mu.Lock()
		answered := entry.answered(idx)
		h.mu.Unlock()
		if answered {
			return true
		}
		select {
		case <-entry.progress:
		case <-entry.txn.Done():
			return true
		case <-h.closed:
			return false
		}
	}
}

// recvLoop is the handle's receive goroutine.
func (h *streamHandle) recvLoop(stream extprocv3.ExternalProcessor_ProcessClient) {
	defer h.cfg.wg.Done()
	for {
		resp, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				h.close(transportFailure(h.id, err))
				return
			}
			h.mu.Lock()
			inFlight := !h.corr.empty()
			h.mu.Unlock()
			if inFlight {
				h.close(transportFailure(h.id, errServerClosedEarly))
			} else {
				h.close(nil)
			}
			return
		}
		if !h.dispatch(resp) {
			return
		}
	}
}

// dispatch correlates one inbound response and delivers it to its
// transaction, or discards it if that transaction was aborted. It returns
// false if the handle has closed.
func (h *streamHandle) dispatch(resp *extprocv3.ProcessingResponse) bool {
	h.mu.Lock()
	if h.state == HandleClosed {
		h.mu.Unlock()
		return false
	}
	res, err := h.corr.accept(resp)
	if err == nil && h.mode != nil && resp.GetModeOverride() != nil {
		h.mode = proto.Clone(resp.GetModeOverride()).(*ext_procv3.ProcessingMode)
	}
	h.mu.Unlock()

	if err != nil {
		h.cfg.logger.Error("protocol violation",
			zap.Uint64("handle", h.id), zap.String("stream_id", h.streamID), zap.Error(err))
		h.cfg.observer.ProtocolViolation(h.id)
		h.close(err.(*Error))
		return false
	}
	if code, ok := ImmediateStatus(resp); ok && code == codes.Unavailable {
		// the server is shutting down: send nothing more on this stream
		if h.markDraining() {
			h.cfg.logger.Info("server refused transaction, rotating stream handle",
				zap.Uint64("handle", h.id), zap.String("stream_id", h.streamID))
		}
	}

	txn := res.entry.txn
	delivered := txn.deliver(Response{
		RequestIndex: res.requestIndex,
		Continuation: res.continuation,
		Message:      resp,
	})
	if !delivered {
		h.cfg.observer.ResponseDrained(h.id)
	}
	if res.resolved {
		h.completed(txn)
	}
	return true
}

// completed finishes a transaction whose responses have all arrived.
func (h *streamHandle) completed(txn *Transaction) {
	if txn.complete() {
		h.cfg.logger.Debug("transaction completed",
			zap.Uint64("handle", h.id), zap.Uint64("transaction", txn.id))
	}
	h.maybeFinish()
}

// modeAllows reports whether the given request is sent under the given
// processing mode. Headers are sent unless skipped, bodies unless their mode
// is NONE, and trailers only when their mode is SEND. A nil mode allows
// everything.
func modeAllows(mode *ext_procv3.ProcessingMode, req *extprocv3.ProcessingRequest) bool {
	if mode == nil {
		return true
	}
	switch req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return mode.GetRequestHeaderMode() != ext_procv3.ProcessingMode_SKIP
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return mode.GetResponseHeaderMode() != ext_procv3.ProcessingMode_SKIP
	case *extprocv3.ProcessingRequest_RequestBody:
		return mode.GetRequestBodyMode() != ext_procv3.ProcessingMode_NONE
	case *extprocv3.ProcessingRequest_ResponseBody:
		return mode.GetResponseBodyMode() != ext_procv3.ProcessingMode_NONE
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return mode.GetRequestTrailerMode() == ext_procv3.ProcessingMode_SEND
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return mode.GetResponseTrailerMode() == ext_procv3.ProcessingMode_SEND
	default:
		return true
	}
}

// maybeFinish half-closes the stream once the handle is draining and nothing
// remains to be sent or received. The server then ends the stream, and the
// receive loop closes the handle when it sees that.
func (h *streamHandle) maybeFinish() {
	h.mu.Lock()
	if h.state != HandleDraining || !h.sendDone || !h.corr.empty() || h.closeSent {
		h.mu.Unlock()
		return
	}
	h.closeSent = true
	stream := h.stream
	h.mu.Unlock()

	if err := stream.CloseSend(); err != nil {
		h.close(transportFailure(h.id, err))
	}
}

// close tears the handle down. Every transaction still routed to it, whether
// in flight or queued, is aborted. A nil error means the stream ended
// cleanly. Only the first call has any effect.
func (h *streamHandle) close(err *Error) {
	h.mu.Lock()
	if h.state == HandleClosed {
		h.mu.Unlock()
		return
	}
	h.state = HandleClosed
	h.err = err
	entries := h.corr.reset()
	opened := h.opened
	transactions := h.transactions
	h.mu.Unlock()

	queued := h.txns.cancel()
	for _, e := range entries {
		e.txn.abort(h.failure())
	}
	for _, txn := range queued {
		txn.abort(h.failure())
	}
	h.cancel()
	close(h.closed)

	if err != nil {
		h.cfg.logger.Warn("stream handle failed",
			zap.Uint64("handle", h.id), zap.String("stream_id", h.streamID),
			zap.Int("transactions", transactions), zap.Error(err))
	} else {
		h.cfg.logger.Debug("stream handle closed",
			zap.Uint64("handle", h.id), zap.String("stream_id", h.streamID),
			zap.Int("transactions", transactions))
	}
	if opened {
		var cause error
		if err != nil {
			cause = err
		}
		h.cfg.observer.HandleClosed(h.id, transactions, cause)
	}
	h.cfg.onClosed(h)
}

// failure returns a fresh error, for a transaction aborted because the
// handle closed.
func (h *streamHandle) failure() *Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureLocked()
}

func (h *streamHandle) failureLocked() *Error {
	if h.err == nil {
		return transportFailure(h.id, errStreamEnded)
	}
	return &Error{Kind: h.err.Kind, HandleID: h.id, Err: h.err.Err}
}
