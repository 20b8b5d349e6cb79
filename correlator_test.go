package extprocmux

import (
	"errors"
	"testing"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stamped(t *testing.T, req *extprocv3.ProcessingRequest, continuation, more bool) *extprocv3.ProcessingResponse {
	resp := continueResponse(t, req)
	stampResponse(resp, continuation, more)
	return resp
}

// sentEntry returns a correlation entry for a new transaction whose requests
// have all been written.
func sentEntry(id uint64, requests ...Request) *correlationEntry {
	txn := newTransaction(id, TransactionSpec{Requests: requests}, nil, time.Now)
	e := newCorrelationEntry(txn)
	e.sent = len(requests)
	return e
}

func TestCorrelatorPrimaryResponses(t *testing.T) {
	c := correlator{handleID: 1}
	e := sentEntry(1, Request{Message: requestHeaders(false)}, Request{Message: requestBody(true)})
	c.begin(e)

	res, err := c.accept(continueResponse(t, requestHeaders(false)))
	require.NoError(t, err)
	assert.Equal(t, 0, res.requestIndex)
	assert.False(t, res.resolved)
	assert.False(t, res.stray)
	assert.Equal(t, 1, e.outstanding())

	res, err = c.accept(continueResponse(t, requestBody(true)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.requestIndex)
	assert.True(t, res.resolved)
	assert.True(t, c.empty())
}

func TestCorrelatorContinuations(t *testing.T) {
	t.Run("counted", func(t *testing.T) {
		c := correlator{handleID: 1}
		c.begin(sentEntry(1, Request{Message: requestHeaders(false), Expect: 3}, Request{Message: requestBody(true)}))

		for i, cont := range []bool{false, true, true} {
			res, err := c.accept(stamped(t, requestHeaders(false), cont, i < 2))
			require.NoError(t, err)
			assert.Equal(t, 0, res.requestIndex)
			assert.Equal(t, cont, res.continuation)
		}
		res, err := c.accept(continueResponse(t, requestBody(true)))
		require.NoError(t, err)
		assert.Equal(t, 1, res.requestIndex)
		assert.True(t, res.resolved)
	})
	t.Run("streamed", func(t *testing.T) {
		c := correlator{handleID: 1}
		c.begin(sentEntry(1, Request{Message: requestHeaders(true), Expect: ExpectStreamed}))

		for i := 0; i < 5; i++ {
			res, err := c.accept(stamped(t, requestHeaders(true), i > 0, true))
			require.NoError(t, err)
			assert.False(t, res.resolved)
		}
		res, err := c.accept(stamped(t, requestHeaders(true), true, false))
		require.NoError(t, err)
		assert.True(t, res.resolved)
	})
	t.Run("immediate response ends the answer", func(t *testing.T) {
		c := correlator{handleID: 1}
		c.begin(sentEntry(1, Request{Message: requestHeaders(true), Expect: 2}))

		_, err := c.accept(stamped(t, requestHeaders(true), false, true))
		require.NoError(t, err)
		imm := immediateFailure(13, 500, "oops")
		stampResponse(imm, true, false)
		res, err := c.accept(imm)
		require.NoError(t, err)
		assert.True(t, res.resolved)
	})
	t.Run("immediate primary ends a counted request", func(t *testing.T) {
		c := correlator{handleID: 1}
		c.begin(sentEntry(1,
			Request{Message: requestHeaders(false)},
			Request{Message: requestBody(true), Expect: 2},
			Request{Message: responseHeaders(true)}))

		_, err := c.accept(continueResponse(t, requestHeaders(false)))
		require.NoError(t, err)
		res, err := c.accept(immediateFailure(13, 500, "producer failure"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.requestIndex)
		assert.False(t, res.resolved)

		res, err = c.accept(continueResponse(t, responseHeaders(true)))
		require.NoError(t, err)
		assert.Equal(t, 2, res.requestIndex)
		assert.True(t, res.resolved)
	})
	t.Run("immediate primary ends a streamed request", func(t *testing.T) {
		c := correlator{handleID: 1}
		c.begin(sentEntry(1, Request{Message: requestHeaders(true), Expect: ExpectStreamed}))

		res, err := c.accept(immediateFailure(14, 503, "shutting down"))
		require.NoError(t, err)
		assert.True(t, res.resolved)
	})
}

func TestCorrelatorViolations(t *testing.T) {
	testCases := []struct {
		name      string
		requests  []Request
		sent      int
		responses []*extprocv3.ProcessingResponse
	}{
		{
			name:      "nothing in flight",
			responses: []*extprocv3.ProcessingResponse{continueResponse(t, requestHeaders(false))},
		},
		{
			name:      "wrong phase",
			requests:  []Request{{Message: requestHeaders(false)}, {Message: requestBody(true)}},
			sent:      2,
			responses: []*extprocv3.ProcessingResponse{continueResponse(t, requestBody(true))},
		},
		{
			name:      "continuation before primary",
			requests:  []Request{{Message: requestHeaders(true)}},
			sent:      1,
			responses: []*extprocv3.ProcessingResponse{stamped(t, requestHeaders(true), true, false)},
		},
		{
			name:     "continuation after full answer",
			requests: []Request{{Message: requestHeaders(false)}, {Message: requestBody(true)}},
			sent:     2,
			responses: []*extprocv3.ProcessingResponse{
				continueResponse(t, requestHeaders(false)),
				stamped(t, requestHeaders(false), true, false),
			},
		},
		{
			name:      "answer to unsent request",
			requests:  []Request{{Message: requestHeaders(false)}, {Message: requestBody(true)}},
			sent:      0,
			responses: []*extprocv3.ProcessingResponse{continueResponse(t, requestHeaders(false))},
		},
		{
			name:     "more than expected",
			requests: []Request{{Message: requestHeaders(true), Expect: 2}},
			sent:     1,
			responses: []*extprocv3.ProcessingResponse{
				stamped(t, requestHeaders(true), false, true),
				stamped(t, requestHeaders(true), true, true),
			},
		},
		{
			name:     "more after immediate",
			requests: []Request{{Message: requestHeaders(true), Expect: 2}},
			sent:     1,
			responses: []*extprocv3.ProcessingResponse{
				func() *extprocv3.ProcessingResponse {
					imm := immediateFailure(13, 500, "oops")
					stampResponse(imm, false, true)
					return imm
				}(),
			},
		},
		{
			name:      "malformed",
			requests:  []Request{{Message: requestHeaders(true)}},
			sent:      1,
			responses: []*extprocv3.ProcessingResponse{{}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := correlator{handleID: 7}
			if len(tc.requests) > 0 {
				e := sentEntry(1, tc.requests...)
				e.sent = tc.sent
				c.begin(e)
			}
			var err error
			for _, resp := range tc.responses {
				if _, err = c.accept(resp); err != nil {
					break
				}
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocolViolation))
			var muxErr *Error
			require.ErrorAs(t, err, &muxErr)
			assert.Equal(t, uint64(7), muxErr.HandleID)
		})
	}
}

func TestCorrelatorDrain(t *testing.T) {
	c := correlator{handleID: 1}
	old := sentEntry(1, Request{Message: requestHeaders(false)}, Request{Message: requestBody(true)})
	cur := sentEntry(2, Request{Message: requestHeaders(true)})
	c.begin(old)
	c.begin(cur)

	// the older transaction is still pending, so it may not linger
	_, err := c.accept(continueResponse(t, requestHeaders(false)))
	require.ErrorIs(t, err, ErrProtocolViolation)

	c = correlator{handleID: 1}
	old = sentEntry(1, Request{Message: requestHeaders(false)}, Request{Message: requestBody(true)})
	c.begin(old)
	old.txn.Abort()
	c.begin(cur)
	assert.Equal(t, 1, c.draining())

	res, err := c.accept(continueResponse(t, requestHeaders(false)))
	require.NoError(t, err)
	assert.True(t, res.stray)
	assert.Same(t, old, res.entry)

	res, err = c.accept(continueResponse(t, requestBody(true)))
	require.NoError(t, err)
	assert.True(t, res.stray)
	assert.True(t, res.resolved)
	assert.Equal(t, 0, c.draining())

	res, err = c.accept(continueResponse(t, requestHeaders(true)))
	require.NoError(t, err)
	assert.False(t, res.stray)
	assert.Same(t, cur, res.entry)
	assert.True(t, c.empty())
}

func TestCorrelatorTruncate(t *testing.T) {
	c := correlator{handleID: 1}
	e := sentEntry(1, Request{Message: requestHeaders(false)}, Request{Message: requestBody(false)}, Request{Message: responseHeaders(true)})
	e.sent = 1
	c.begin(e)
	e.txn.Abort()
	c.truncate(e)
	assert.False(t, c.empty(), "the sent request is still owed a response")

	res, err := c.accept(continueResponse(t, requestHeaders(false)))
	require.NoError(t, err)
	assert.True(t, res.resolved)
	assert.True(t, c.empty())

	// nothing sent: nothing owed
	e = sentEntry(2, Request{Message: requestHeaders(true)})
	e.sent = 0
	c.begin(e)
	c.truncate(e)
	assert.True(t, c.empty())
}

func TestCorrelatorSkip(t *testing.T) {
	c := correlator{handleID: 1}
	e := sentEntry(1,
		Request{Message: requestHeaders(false)},
		Request{Message: requestBody(true)},
		Request{Message: responseHeaders(false)},
		Request{Message: responseBody(true)})
	e.sent = 1
	c.begin(e)

	assert.False(t, c.skip(e))
	assert.Equal(t, 2, e.sent)
	assert.False(t, e.answered(0))

	res, err := c.accept(continueResponse(t, requestHeaders(false)))
	require.NoError(t, err)
	assert.Equal(t, 0, res.requestIndex)
	assert.True(t, e.answered(1), "skipped requests are owed nothing")
	assert.Equal(t, 2, e.next)
	select {
	case <-e.progress:
	default:
		t.Fatal("expecting progress to be signalled")
	}

	e.sent++
	res, err = c.accept(continueResponse(t, responseHeaders(false)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.requestIndex)
	assert.False(t, res.resolved)

	// skipping the last request resolves the entry
	assert.True(t, c.skip(e))
	assert.True(t, c.empty())
}
