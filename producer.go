package extprocmux

import (
	"context"
	"fmt"

	ext_procv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/protobuf/proto"
)

// ResponseProducer computes the answer to one request. It may return several
// responses; the server sends the first as the request's primary response
// and the rest as continuations of it. Every response must either match the
// request's phase or be an immediate response, which must then be the last.
//
// Producers for requests on the same stream are called concurrently, each in
// its own goroutine. Their answers are still written in request order. The
// given context carries the request's RequestInfo.
type ResponseProducer interface {
	Produce(ctx context.Context, req *extprocv3.ProcessingRequest) ([]*extprocv3.ProcessingResponse, error)
}

// ProducerFunc adapts a function to the ResponseProducer interface.
type ProducerFunc func(ctx context.Context, req *extprocv3.ProcessingRequest) ([]*extprocv3.ProcessingResponse, error)

func (f ProducerFunc) Produce(ctx context.Context, req *extprocv3.ProcessingRequest) ([]*extprocv3.ProcessingResponse, error) {
	return f(ctx, req)
}

// ContinueProducer answers every request with a single response that lets
// processing continue unchanged. If Mode is set, every response also carries
// it as a mode override.
type ContinueProducer struct {
	Mode *ext_procv3.ProcessingMode
}

// DefaultProcessingMode sends headers, buffers bodies, and skips trailers.
func DefaultProcessingMode() *ext_procv3.ProcessingMode {
	return &ext_procv3.ProcessingMode{
		RequestHeaderMode:   ext_procv3.ProcessingMode_SEND,
		ResponseHeaderMode:  ext_procv3.ProcessingMode_SEND,
		RequestBodyMode:     ext_procv3.ProcessingMode_BUFFERED,
		ResponseBodyMode:    ext_procv3.ProcessingMode_BUFFERED,
		RequestTrailerMode:  ext_procv3.ProcessingMode_SKIP,
		ResponseTrailerMode: ext_procv3.ProcessingMode_SKIP,
	}
}

func (p ContinueProducer) Produce(_ context.Context, req *extprocv3.ProcessingRequest) ([]*extprocv3.ProcessingResponse, error) {
	resp, err := ContinueResponse(req)
	if err != nil {
		return nil, err
	}
	if p.Mode != nil {
		resp.ModeOverride = proto.Clone(p.Mode).(*ext_procv3.ProcessingMode)
	}
	return []*extprocv3.ProcessingResponse{resp}, nil
}

// ContinueResponse returns a response, of the same phase as the given
// request, that lets processing continue unchanged.
func ContinueResponse(req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	resp := &extprocv3.ProcessingResponse{}
	switch req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		resp.Response = &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: continueHeaders()}
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		resp.Response = &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: continueHeaders()}
	case *extprocv3.ProcessingRequest_RequestBody:
		resp.Response = &extprocv3.ProcessingResponse_RequestBody{RequestBody: continueBody()}
	case *extprocv3.ProcessingRequest_ResponseBody:
		resp.Response = &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: continueBody()}
	case *extprocv3.ProcessingRequest_RequestTrailers:
		resp.Response = &extprocv3.ProcessingResponse_RequestTrailers{RequestTrailers: &extprocv3.TrailersResponse{}}
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		resp.Response = &extprocv3.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extprocv3.TrailersResponse{}}
	default:
		return nil, fmt.Errorf("unrecognized request type: %T", req.GetRequest())
	}
	return resp, nil
}

func continueHeaders() *extprocv3.HeadersResponse {
	return &extprocv3.HeadersResponse{
		Response: &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE},
	}
}

func continueBody() *extprocv3.BodyResponse {
	return &extprocv3.BodyResponse{
		Response: &extprocv3.CommonResponse{Status: extprocv3.CommonResponse_CONTINUE},
	}
}
