package extprocmux

import (
	"fmt"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// requestState tracks the responses still owed for one request.
type requestState struct {
	phase     Phase
	streamed  bool
	remaining int
	done      bool
}

func (rs *requestState) consume(phase Phase, more bool) error {
	if phase == PhaseImmediate {
		// an immediate response is always the last answer to its request
		if more {
			return fmt.Errorf("server announced more responses after an immediate response to the %s request", rs.phase)
		}
		rs.done = true
		return nil
	}
	if rs.streamed {
		if !more {
			rs.done = true
		}
		return nil
	}
	rs.remaining--
	if rs.remaining == 0 {
		if more {
			return fmt.Errorf("server announced more responses than the %s request expects", rs.phase)
		}
		rs.done = true
	}
	return nil
}

// correlationEntry is the correlation state of one transaction on one
// handle. It lives until every response owed for the transaction has arrived,
// even if the transaction was aborted in the meantime.
type correlationEntry struct {
	txn      *Transaction
	requests []requestState
	// next is the index of the oldest request that is not yet fully answered.
	// Primary responses are attributed to it.
	next int
	// last is the index of the request that most recently received a primary
	// response, or -1. Continuation responses are attributed to it.
	last int
	// sent is the number of requests handled by the send goroutine so far,
	// whether written to the stream or skipped.
	sent int
	// progress is signalled whenever next advances.
	progress chan struct{}
}

func newCorrelationEntry(txn *Transaction) *correlationEntry {
	e := &correlationEntry{
		txn:      txn,
		requests: make([]requestState, len(txn.spec.Requests)),
		last:     -1,
		progress: make(chan struct{}, 1),
	}
	for i, r := range txn.spec.Requests {
		_, phase, _ := ClassifyRequest(r.Message)
		rs := requestState{phase: phase, remaining: r.Expect}
		switch {
		case r.Expect == ExpectStreamed:
			rs.streamed = true
		case r.Expect == 0:
			rs.remaining = 1
		}
		e.requests[i] = rs
	}
	return e
}

func (e *correlationEntry) resolved() bool {
	return e.next >= len(e.requests)
}

// outstanding is the number of requests still awaiting responses.
func (e *correlationEntry) outstanding() int {
	return len(e.requests) - e.next
}

// match attributes an inbound response to one of the entry's requests and
// returns that request's index.
func (e *correlationEntry) match(kind ResponseKind, phase Phase, more bool) (int, error) {
	var idx int
	switch kind {
	case ResponsePrimary:
		if e.resolved() {
			return -1, fmt.Errorf("%s response but transaction %d has no outstanding request", phase, e.txn.id)
		}
		idx = e.next
		if idx >= e.sent {
			return -1, fmt.Errorf("%s response for request %d of transaction %d, which has not been sent", phase, idx, e.txn.id)
		}
		rs := &e.requests[idx]
		if phase != PhaseImmediate && phase != rs.phase {
			return -1, fmt.Errorf("%s response cannot answer %s request %d of transaction %d", phase, rs.phase, idx, e.txn.id)
		}
		e.last = idx
	case ResponseContinuation:
		idx = e.last
		if idx < 0 {
			return -1, fmt.Errorf("continuation response before any primary response in transaction %d", e.txn.id)
		}
		if e.requests[idx].done {
			return -1, fmt.Errorf("continuation response for request %d of transaction %d, which is already fully answered", idx, e.txn.id)
		}
	default:
		return -1, fmt.Errorf("unknown response kind %v", kind)
	}
	if err := e.requests[idx].consume(phase, more); err != nil {
		return -1, err
	}
	e.advance()
	return idx, nil
}

// advance moves next past every fully answered or skipped request.
func (e *correlationEntry) advance() {
	moved := false
	for e.next < len(e.requests) && e.requests[e.next].done {
		e.next++
		moved = true
	}
	if moved {
		select {
		case e.progress <- struct{}{}:
		default:
		}
	}
}

// answered reports whether the request at the given index needs no more
// responses.
func (e *correlationEntry) answered(idx int) bool {
	return idx < e.next || idx >= len(e.requests) || e.requests[idx].done
}

// matchResult describes where an inbound response went.
type matchResult struct {
	entry        *correlationEntry
	requestIndex int
	continuation bool
	// stray is true if the response belongs to an entry other than the
	// current one. Such a response is only legal while that older entry is
	// being drained.
	stray bool
	// resolved is true if the response was the last one owed to its entry,
	// which has been removed from the correlator.
	resolved bool
}

// correlator matches the responses arriving on one stream to the
// transactions that stream carries. Entries are kept in the order their
// transactions were started. The last one is the current transaction; any
// before it belong to aborted transactions whose owed responses have not all
// arrived yet (the drain set).
//
// A correlator is not safe for concurrent use; the owning handle guards it.
type correlator struct {
	handleID uint64
	entries  []*correlationEntry
}

// begin makes the given entry the current one. The previous current entry, if
// still unresolved, must belong to an aborted transaction.
func (c *correlator) begin(e *correlationEntry) {
	c.entries = append(c.entries, e)
}

func (c *correlator) current() *correlationEntry {
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

func (c *correlator) empty() bool {
	return len(c.entries) == 0
}

// draining is the number of entries held only to consume owed responses.
func (c *correlator) draining() int {
	n := 0
	for _, e := range c.entries {
		if e.txn.State() == Aborted {
			n++
		}
	}
	return n
}

// accept routes the given response to the oldest unresolved entry, since the
// server answers transactions strictly in the order they were started.
func (c *correlator) accept(resp *extprocv3.ProcessingResponse) (matchResult, error) {
	kind, phase, more, err := ClassifyResponse(resp)
	if err != nil {
		return matchResult{}, protocolViolation(c.handleID, "%v", err)
	}
	if len(c.entries) == 0 {
		return matchResult{}, protocolViolation(c.handleID, "stray %s response with no transaction in flight", phase)
	}
	head := c.entries[0]
	stray := len(c.entries) > 1
	if stray && head.txn.State() != Aborted {
		// only aborted transactions may linger behind the current one
		return matchResult{}, protocolViolation(c.handleID, "stray %s response for transaction %d, which is not being drained", phase, head.txn.id)
	}
	idx, err := head.match(kind, phase, more)
	if err != nil {
		return matchResult{}, protocolViolation(c.handleID, "%v", err)
	}
	res := matchResult{
		entry:        head,
		requestIndex: idx,
		continuation: kind == ResponseContinuation,
		stray:        stray,
	}
	if head.resolved() {
		c.entries[0] = nil
		c.entries = c.entries[1:]
		res.resolved = true
	}
	return res, nil
}

// truncate stops the given entry from waiting for requests that were never
// written, because its transaction was aborted before they could be. Only the
// responses owed for requests actually sent are still drained.
func (c *correlator) truncate(e *correlationEntry) {
	e.requests = e.requests[:e.sent]
	e.advance()
	if e.resolved() {
		c.remove(e)
	}
}

// skip records that the next request of the given entry is left out of the
// exchange, so no response is owed for it. It reports whether that resolved
// the entry, which is then removed.
func (c *correlator) skip(e *correlationEntry) bool {
	e.requests[e.sent].done = true
	e.sent++
	e.advance()
	if !e.resolved() {
		return false
	}
	c.remove(e)
	return true
}

func (c *correlator) remove(e *correlationEntry) {
	for i := range c.entries {
		if c.entries[i] == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// reset discards all entries, returning them.
func (c *correlator) reset() []*correlationEntry {
	entries := c.entries
	c.entries = nil
	return entries
}
