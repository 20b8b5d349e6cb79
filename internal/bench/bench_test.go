package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/fullstorydev/grpchan/inprocgrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"

	"github.com/jhump/extprocmux"
	"github.com/jhump/extprocmux/internal/fixture"
)

// fakeSubmitter fails every fifth transaction and has every seventh refused
// by an immediate response.
type fakeSubmitter struct {
	collector *extprocmux.Collector
	calls     atomic.Uint64
}

func (s *fakeSubmitter) Do(ctx context.Context, spec extprocmux.TransactionSpec) (*extprocmux.Result, error) {
	n := s.calls.Add(1)
	select {
	case <-time.After(time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	now := time.Now()
	if n%5 == 0 {
		res := extprocmux.Result{TransactionID: n, State: extprocmux.Aborted, Err: extprocmux.ErrTransportFailure, Submitted: now, Finished: now}
		s.collector.TransactionFinished(res)
		return &res, res.Err
	}
	resp, err := extprocmux.ContinueResponse(spec.Requests[0].Message)
	if err != nil {
		return nil, err
	}
	if n%7 == 0 {
		resp = &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: &extprocv3.ImmediateResponse{
					GrpcStatus: &extprocv3.GrpcStatus{Status: uint32(codes.Unavailable)},
				},
			},
		}
	}
	res := extprocmux.Result{
		TransactionID: n,
		State:         extprocmux.Completed,
		Responses:     []extprocmux.Response{{Message: resp}},
		Submitted:     now.Add(-time.Millisecond),
		Finished:      now,
	}
	s.collector.TransactionFinished(res)
	return &res, nil
}

func testSpec() extprocmux.TransactionSpec {
	data := &fixture.Data{
		RequestHeaders: []fixture.Header{{Name: ":method", Value: "POST"}},
		RequestBody:    []byte("payload"),
		ResponseStatus: 200,
		ResponseBody:   []byte("ok"),
	}
	return data.Spec(extprocmux.DefaultProcessingMode())
}

func TestRunnerReport(t *testing.T) {
	collector := extprocmux.NewCollector(nil)
	sub := &fakeSubmitter{collector: collector}
	runner := NewRunner(Config{
		Concurrency:    4,
		Warmup:         20 * time.Millisecond,
		Duration:       200 * time.Millisecond,
		ReportInterval: 50 * time.Millisecond,
		PrintErrors:    true,
	}, sub, collector, zaptest.NewLogger(t))

	report, err := runner.Run(context.Background(), "bounded:10", testSpec())
	require.NoError(t, err)
	assert.Equal(t, "bounded:10", report.Policy)
	assert.Equal(t, 4, report.Concurrency)
	assert.Greater(t, report.Stats.Completed, uint64(0))
	assert.Greater(t, report.Errors, uint64(0))
	assert.Greater(t, report.Refused, uint64(0))
	assert.Greater(t, report.Throughput, 0.0)
	// warmup is left out of the window
	assert.Less(t, report.Stats.Elapsed, 200*time.Millisecond+150*time.Millisecond)
	assert.GreaterOrEqual(t, report.Stats.Elapsed, 200*time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "bounded:10", decoded["policy"])
	stats, ok := decoded["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, stats, "completed")
	assert.Contains(t, stats, "mean_latency")
}

func TestRunnerCancelled(t *testing.T) {
	collector := extprocmux.NewCollector(nil)
	runner := NewRunner(Config{Concurrency: 2, Duration: time.Minute}, &fakeSubmitter{collector: collector}, collector, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, "none", testSpec())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRunnerLoopback(t *testing.T) {
	var ch inprocgrpc.Channel
	extprocv3.RegisterExternalProcessorServer(&ch, extprocmux.NewServer(extprocmux.ContinueProducer{}, extprocmux.ServerOptions{}))
	collector := extprocmux.NewCollector(nil)
	mux := extprocmux.NewMultiplexer(extprocv3.NewExternalProcessorClient(&ch), extprocmux.BoundedReuse(10),
		extprocmux.WithObserver(collector), extprocmux.WithLanes(2))
	defer mux.Close()

	runner := NewRunner(Config{Concurrency: 2, Duration: 100 * time.Millisecond}, mux, collector, nil)
	report, err := runner.Run(context.Background(), mux.Policy().String(), testSpec())
	require.NoError(t, err)
	assert.Greater(t, report.Stats.Completed, uint64(0))
	assert.Zero(t, report.Errors)
	assert.Zero(t, report.Refused)
	assert.Greater(t, report.Stats.HandlesOpened, uint64(0))
	require.NoError(t, mux.Shutdown(context.Background()))
}
