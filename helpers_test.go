package extprocmux

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/fullstorydev/grpchan/inprocgrpc"
	"google.golang.org/grpc"
)

func requestHeaders(eos bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{
				Headers: &corev3.HeaderMap{Headers: []*corev3.HeaderValue{
					{Key: ":method", Value: "GET"},
					{Key: ":path", Value: "/"},
				}},
				EndOfStream: eos,
			},
		},
	}
}

func requestBody(eos bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestBody{
			RequestBody: &extprocv3.HttpBody{Body: []byte("hello"), EndOfStream: eos},
		},
	}
}

func requestTrailers() *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestTrailers{RequestTrailers: &extprocv3.HttpTrailers{}},
	}
}

func responseHeaders(eos bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extprocv3.HttpHeaders{
				Headers:     &corev3.HeaderMap{Headers: []*corev3.HeaderValue{{Key: ":status", Value: "200"}}},
				EndOfStream: eos,
			},
		},
	}
}

func responseBody(eos bool) *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseBody{
			ResponseBody: &extprocv3.HttpBody{Body: []byte("world"), EndOfStream: eos},
		},
	}
}

func responseTrailers() *extprocv3.ProcessingRequest {
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseTrailers{ResponseTrailers: &extprocv3.HttpTrailers{}},
	}
}

// fullSpec is a transaction with a request body and a response body.
func fullSpec() TransactionSpec {
	return TransactionSpec{Requests: []Request{
		{Message: requestHeaders(false)},
		{Message: requestBody(true)},
		{Message: responseHeaders(false)},
		{Message: responseBody(true)},
	}}
}

func continueResponse(t *testing.T, req *extprocv3.ProcessingRequest) *extprocv3.ProcessingResponse {
	t.Helper()
	resp, err := ContinueResponse(req)
	if err != nil {
		t.Fatalf("failed to build response: %v", err)
	}
	return resp
}

// newLoopback returns an opener for streams served in-process by a Server
// using the given producer.
func newLoopback(producer ResponseProducer, opts ServerOptions) (*countingOpener, *Server) {
	var ch inprocgrpc.Channel
	svr := NewServer(producer, opts)
	extprocv3.RegisterExternalProcessorServer(&ch, svr)
	return &countingOpener{StreamOpener: extprocv3.NewExternalProcessorClient(&ch)}, svr
}

// newRawLoopback returns an opener for streams served in-process by the
// given handler function, which bypasses the Server entirely.
func newRawLoopback(handler func(extprocv3.ExternalProcessor_ProcessServer) error) *countingOpener {
	var ch inprocgrpc.Channel
	extprocv3.RegisterExternalProcessorServer(&ch, rawServer{fn: handler})
	return &countingOpener{StreamOpener: extprocv3.NewExternalProcessorClient(&ch)}
}

type rawServer struct {
	extprocv3.UnimplementedExternalProcessorServer
	fn func(extprocv3.ExternalProcessor_ProcessServer) error
}

func (s rawServer) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	return s.fn(stream)
}

type countingOpener struct {
	StreamOpener
	opened atomic.Int32
}

func (o *countingOpener) Process(ctx context.Context, opts ...grpc.CallOption) (extprocv3.ExternalProcessor_ProcessClient, error) {
	o.opened.Add(1)
	return o.StreamOpener.Process(ctx, opts...)
}

// recordingObserver remembers how many transactions each handle carried.
type recordingObserver struct {
	nopObserver
	mu      sync.Mutex
	carried map[uint64]int
	errs    map[uint64]error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{carried: map[uint64]int{}, errs: map[uint64]error{}}
}

func (o *recordingObserver) HandleClosed(id uint64, transactions int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.carried[id] = transactions
	o.errs[id] = err
}

func (o *recordingObserver) closed() (map[uint64]int, map[uint64]error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	carried := make(map[uint64]int, len(o.carried))
	errs := make(map[uint64]error, len(o.errs))
	for k, v := range o.carried {
		carried[k] = v
		errs[k] = o.errs[k]
	}
	return carried, errs
}
