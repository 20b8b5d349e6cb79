package extprocmux

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HandleInfo is a snapshot of a stream handle's state.
type HandleInfo struct {
	ID uint64
	// StreamID is the identifier sent to the server, in the
	// extprocmux-stream-id header, when the stream was opened.
	StreamID     string
	State        HandleState
	Transactions int
	// Outstanding is the number of pending transactions routed to the handle.
	Outstanding int
	// Draining is the number of aborted transactions whose owed responses
	// have not all arrived yet.
	Draining int
}

// Multiplexer carries transactions on ext_proc streams, reusing each stream
// for as many transactions as its ReusePolicy allows.
//
// Each stream handle carries its transactions one at a time: a transaction's
// requests are only written once the previous transaction on the handle has
// completed or been aborted. So responses are always attributed to the
// transaction whose start marker most recently preceded them on the wire.
// Use WithLanes to carry transactions on several handles at once.
type Multiplexer struct {
	opener StreamOpener
	policy ReusePolicy
	opts   muxOpts
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes routing decisions: picking, opening, and rotating
	// handles. It is acquired before any handle's lock.
	mu           sync.Mutex
	handles      map[uint64]*streamHandle
	lanes        []*streamHandle
	nextLane     int
	lastHandleID uint64
	lastTxnID    uint64
	closed       bool
	failed       error
}

// NewMultiplexer creates a multiplexer that opens streams with the given
// opener and routes transactions to them according to the given policy.
func NewMultiplexer(opener StreamOpener, policy ReusePolicy, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		opener:  opener,
		policy:  policy,
		handles: map[uint64]*streamHandle{},
	}
	for _, opt := range opts {
		opt.apply(&m.opts)
	}
	m.opts.applyDefaults()
	m.lanes = make([]*streamHandle, m.opts.lanes)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Policy returns the multiplexer's reuse policy.
func (m *Multiplexer) Policy() ReusePolicy {
	return m.policy
}

// Submit routes a transaction to a stream handle and returns right away. The
// returned Transaction resolves once every request has been fully answered
// or the transaction is aborted.
//
// If ctx is cancelled or times out before then, the transaction is aborted.
// Aborting never affects the wire: the requests of an aborted transaction
// that were already written are still answered by the server, and those
// responses are consumed and discarded.
//
// It returns an error, and no transaction, if spec is not valid or the
// multiplexer has been shut down.
func (m *Multiplexer) Submit(ctx context.Context, spec TransactionSpec) (*Transaction, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	txn, err := m.route(spec)
	if err != nil {
		return nil, err
	}
	txn.watch(ctx)
	return txn, nil
}

// Do submits a transaction and waits for it to finish.
func (m *Multiplexer) Do(ctx context.Context, spec TransactionSpec) (*Result, error) {
	txn, err := m.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	return txn.Wait(ctx)
}

func (m *Multiplexer) route(spec TransactionSpec) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, status.Error(codes.Unavailable, "multiplexer is shut down")
	}

	m.lastTxnID++
	txn := newTransaction(m.lastTxnID, spec, m.opts.observer, m.opts.clock.Now)

	lane := m.nextLane
	m.nextLane = (m.nextLane + 1) % len(m.lanes)

	if h := m.lanes[lane]; h != nil {
		if h.admit(m.policy, txn, false) {
			m.afterAdmit(lane, h)
			return txn, nil
		}
		// rotate
		h.markDraining()
		m.lanes[lane] = nil
	} else if m.policy.Decide(HandleStatus{}, false) == Reuse {
		// policies can only reuse a handle that exists
		panic("reuse policy " + m.policy.String() + " chose to reuse a missing handle")
	}

	h := m.newHandle()
	m.lanes[lane] = h
	// A new handle is not running yet, so it cannot refuse.
	h.admit(m.policy, txn, true)
	m.afterAdmit(lane, h)
	go h.run()
	return txn, nil
}

func (m *Multiplexer) afterAdmit(lane int, h *streamHandle) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state != HandleOpen {
		// exhausted: the next transaction on this lane goes to a fresh handle
		m.lanes[lane] = nil
	}
}

func (m *Multiplexer) newHandle() *streamHandle {
	m.lastHandleID++
	h := newStreamHandle(m.ctx, m.lastHandleID, handleConfig{
		opener:   m.opener,
		callOpts: m.opts.callOpts,
		logger:   m.opts.logger,
		observer: m.opts.observer,
		mode:     m.opts.mode,
		wg:       &m.wg,
		onClosed: m.handleClosed,
	})
	m.handles[h.id] = h
	m.wg.Add(1)
	m.opts.logger.Debug("opening stream handle",
		zap.Uint64("handle", h.id), zap.String("policy", m.policy.String()))
	return h
}

func (m *Multiplexer) handleClosed(h *streamHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, h.id)
	for i := range m.lanes {
		if m.lanes[i] == h {
			m.lanes[i] = nil
		}
	}
	if err := h.Err(); err != nil && m.closed {
		m.failed = multierr.Append(m.failed, err)
	}
}

// Handles returns a snapshot of the live stream handles, ordered by ID.
func (m *Multiplexer) Handles() []HandleInfo {
	m.mu.Lock()
	handles := make([]*streamHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	infos := make([]HandleInfo, len(handles))
	for i, h := range handles {
		infos[i] = h.info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Shutdown stops accepting transactions and waits for every handle to carry
// what it was already given and close. If ctx is done first, the remaining
// handles are closed forcibly, aborting their transactions, and ctx's error
// is returned. Otherwise the returned error combines the errors of handles
// that failed while shutting down.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	defer m.cancel()
	handles := m.stop()
	for _, h := range handles {
		h.markDraining()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.closeAll(errHandleDrainTimeout)
		<-done
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Close closes every handle immediately. Transactions that have not yet
// finished are aborted with a transport failure.
func (m *Multiplexer) Close() {
	m.stop()
	m.closeAll(errMultiplexerClosed)
	m.wg.Wait()
	m.cancel()
}

func (m *Multiplexer) stop() []*streamHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for i := range m.lanes {
		m.lanes[i] = nil
	}
	handles := make([]*streamHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	return handles
}

func (m *Multiplexer) closeAll(cause error) {
	m.mu.Lock()
	handles := make([]*streamHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.close(transportFailure(h.id, cause))
	}
}
