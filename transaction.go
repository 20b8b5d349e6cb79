package extprocmux

import (
	"context"
	"fmt"
	"sync"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExpectStreamed can be used as a Request's Expect value when the number of
// responses is not known up front. Such a request is answered once the
// server sends a response that does not announce more to follow.
const ExpectStreamed = -1

// Request is one outbound message of a transaction.
type Request struct {
	Message *extprocv3.ProcessingRequest
	// Expect is the number of responses the request receives. Zero means one.
	// Use ExpectStreamed if the count is unknown.
	Expect int
}

// TransactionSpec describes a transaction to submit: the ordered requests
// that make it up. The first request must be a request_headers message (the
// start-of-transaction marker) and no other request may be one.
type TransactionSpec struct {
	Requests []Request
}

// Validate checks that the spec describes a well-formed transaction.
func (s TransactionSpec) Validate() error {
	if len(s.Requests) == 0 {
		return status.Error(codes.InvalidArgument, "transaction has no requests")
	}
	for i, r := range s.Requests {
		kind, _, err := ClassifyRequest(r.Message)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "request %d: %v", i, err)
		}
		if i == 0 && kind != RequestStart {
			return status.Errorf(codes.InvalidArgument, "request 0 must be request_headers, got %s request", kind)
		}
		if i > 0 && kind == RequestStart {
			return status.Errorf(codes.InvalidArgument, "request %d: request_headers may only start a transaction", i)
		}
		if kind == RequestTerminal && i != len(s.Requests)-1 {
			return status.Errorf(codes.InvalidArgument, "request %d: terminal request must be the last one", i)
		}
		if r.Expect < 0 && r.Expect != ExpectStreamed {
			return status.Errorf(codes.InvalidArgument, "request %d: invalid expected response count %d", i, r.Expect)
		}
	}
	return nil
}

// State is the externally visible state of a transaction.
type State int

const (
	Pending State = iota
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Response is an inbound message, attributed to the request that caused it.
type Response struct {
	// RequestIndex is the index, in the transaction's spec, of the request
	// this response answers.
	RequestIndex int
	// Continuation is true if the server sent this as a continuation of an
	// earlier response to the same request.
	Continuation bool
	Message      *extprocv3.ProcessingResponse
}

// Result is the terminal outcome of a transaction.
type Result struct {
	TransactionID uint64
	HandleID      uint64
	State         State
	// Responses holds every response of a completed transaction, in arrival
	// order. It is nil for aborted transactions.
	Responses []Response
	// Skipped holds the indexes of requests that were not sent because the
	// stream's processing mode left them out. They have no responses.
	Skipped []int
	// Err is the cause of an aborted transaction. It is nil for completed
	// ones. It is always an *Error.
	Err       error
	Submitted time.Time
	Finished  time.Time
}

// Latency is the time between submission and the terminal state.
func (r *Result) Latency() time.Duration {
	return r.Finished.Sub(r.Submitted)
}

// Transaction is the future returned by Multiplexer.Submit. Its methods are
// safe for concurrent use.
type Transaction struct {
	id       uint64
	spec     TransactionSpec
	observer Observer
	now      func() time.Time
	done     chan struct{}

	mu        sync.Mutex
	state     State
	handleID  uint64
	responses []Response
	skipped   []int
	result    *Result
	submitted time.Time
	stopWatch func() bool
}

func newTransaction(id uint64, spec TransactionSpec, observer Observer, now func() time.Time) *Transaction {
	return &Transaction{
		id:        id,
		spec:      spec,
		observer:  observer,
		now:       now,
		done:      make(chan struct{}),
		submitted: now(),
	}
}

// ID returns the transaction's sequence number. IDs are assigned in
// submission order and never reused by a Multiplexer.
func (t *Transaction) ID() uint64 {
	return t.id
}

// Done returns a channel that is closed once the transaction is completed or
// aborted.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the transaction's outcome, or nil if it is still pending.
func (t *Transaction) Result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Wait blocks until the transaction completes or is aborted. If ctx is done
// first, the transaction is aborted: the caller is detached from it, though
// the responses it is owed are still consumed on the wire.
//
// The returned error is nil for completed transactions and the abort cause
// otherwise.
func (t *Transaction) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		t.abort(aborted(t.HandleID(), ctx.Err()))
		<-t.done
	}
	res := t.Result()
	return res, res.Err
}

// Abort detaches the caller from the transaction, which becomes Aborted
// unless it had already finished. Nothing is cancelled on the wire: the
// responses owed for requests already sent are consumed and discarded.
func (t *Transaction) Abort() {
	t.abort(aborted(t.HandleID(), nil))
}

// HandleID returns the ID of the stream handle the transaction was routed
// to.
func (t *Transaction) HandleID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handleID
}

func (t *Transaction) setHandle(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handleID = id
}

// watch aborts the transaction when ctx is done.
func (t *Transaction) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		t.abort(aborted(t.HandleID(), ctx.Err()))
	})
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Pending {
		stop()
		return
	}
	t.stopWatch = stop
}

// deliver records a response. It returns false if the transaction is no
// longer pending, in which case the response is discarded.
func (t *Transaction) deliver(resp Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Pending {
		return false
	}
	t.responses = append(t.responses, resp)
	return true
}

// skip records that the request at the given index was left out.
func (t *Transaction) skip(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped = append(t.skipped, idx)
}

func (t *Transaction) complete() bool {
	return t.finish(Completed, nil)
}

func (t *Transaction) abort(err *Error) bool {
	return t.finish(Aborted, err)
}

// finish moves the transaction to a terminal state. Only the first call has
// any effect; it returns whether this call was that one.
func (t *Transaction) finish(state State, err *Error) bool {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		return false
	}
	t.state = state
	res := &Result{
		TransactionID: t.id,
		HandleID:      t.handleID,
		State:         state,
		Submitted:     t.submitted,
		Finished:      t.now(),
	}
	if state == Completed {
		res.Responses = t.responses
		res.Skipped = t.skipped
	} else {
		if err.HandleID == 0 {
			err.HandleID = t.handleID
		}
		res.Err = err
	}
	t.responses = nil
	t.skipped = nil
	t.result = res
	stop := t.stopWatch
	t.stopWatch = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	close(t.done)
	if t.observer != nil {
		t.observer.TransactionFinished(*res)
	}
	return true
}
