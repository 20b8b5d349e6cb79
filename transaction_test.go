package extprocmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTransactionSpecValidate(t *testing.T) {
	require.NoError(t, fullSpec().Validate())
	require.NoError(t, TransactionSpec{Requests: []Request{{Message: requestHeaders(true), Expect: ExpectStreamed}}}.Validate())

	testCases := []struct {
		name string
		spec TransactionSpec
	}{
		{"empty", TransactionSpec{}},
		{"no start marker", TransactionSpec{Requests: []Request{{Message: requestBody(true)}}}},
		{"second start marker", TransactionSpec{Requests: []Request{{Message: requestHeaders(false)}, {Message: requestHeaders(false)}}}},
		{"terminal in the middle", TransactionSpec{Requests: []Request{
			{Message: requestHeaders(false)}, {Message: responseTrailers()}, {Message: requestBody(true)},
		}}},
		{"malformed request", TransactionSpec{Requests: []Request{{Message: requestHeaders(false)}, {Message: nil}}}},
		{"bad expect", TransactionSpec{Requests: []Request{{Message: requestHeaders(true), Expect: -2}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

type finishedRecorder struct {
	nopObserver
	results []Result
}

func (r *finishedRecorder) TransactionFinished(res Result) {
	r.results = append(r.results, res)
}

func TestTransactionFinishesOnce(t *testing.T) {
	clk := clock.NewMock()
	rec := &finishedRecorder{}
	txn := newTransaction(3, fullSpec(), rec, clk.Now)
	txn.setHandle(9)

	assert.True(t, txn.deliver(Response{RequestIndex: 0}))
	clk.Add(5 * time.Millisecond)
	assert.True(t, txn.complete())
	assert.False(t, txn.abort(aborted(0, nil)))
	assert.False(t, txn.deliver(Response{RequestIndex: 1}))

	res, err := txn.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, uint64(3), res.TransactionID)
	assert.Equal(t, uint64(9), res.HandleID)
	assert.Len(t, res.Responses, 1)
	assert.Equal(t, 5*time.Millisecond, res.Latency())
	require.Len(t, rec.results, 1)
}

func TestTransactionWaitAborts(t *testing.T) {
	txn := newTransaction(1, fullSpec(), nil, time.Now)
	txn.setHandle(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res, err := txn.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, Aborted, res.State)
	assert.Nil(t, res.Responses)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, errors.Is(err, &Error{Kind: KindAborted, HandleID: 4}))
	assert.False(t, errors.Is(err, &Error{Kind: KindAborted, HandleID: 5}))
	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(errors.Unwrap(err)))
}

func TestTransactionWatch(t *testing.T) {
	txn := newTransaction(1, fullSpec(), nil, time.Now)
	ctx, cancel := context.WithCancel(context.Background())
	txn.watch(ctx)
	assert.Equal(t, Pending, txn.State())
	cancel()
	select {
	case <-txn.Done():
	case <-time.After(time.Second):
		t.Fatal("transaction should be aborted once its context is cancelled")
	}
	assert.Equal(t, Aborted, txn.State())

	// watching an already-finished transaction does nothing
	txn = newTransaction(2, fullSpec(), nil, time.Now)
	txn.complete()
	txn.watch(ctx)
	assert.Equal(t, Completed, txn.State())
}
