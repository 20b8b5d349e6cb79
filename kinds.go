package extprocmux

import (
	"fmt"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/protobuf/types/known/structpb"
)

// Phase identifies which part of an HTTP exchange an ext_proc message is
// about. Requests and the responses that answer them share a phase.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseRequestHeaders
	PhaseRequestBody
	PhaseRequestTrailers
	PhaseResponseHeaders
	PhaseResponseBody
	PhaseResponseTrailers
	// PhaseImmediate is only used for responses. An immediate response may
	// answer a request of any phase.
	PhaseImmediate
)

var phaseNames = map[Phase]string{
	PhaseUnknown:          "unknown",
	PhaseRequestHeaders:   "request_headers",
	PhaseRequestBody:      "request_body",
	PhaseRequestTrailers:  "request_trailers",
	PhaseResponseHeaders:  "response_headers",
	PhaseResponseBody:     "response_body",
	PhaseResponseTrailers: "response_trailers",
	PhaseImmediate:        "immediate_response",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// RequestKind is the role a request message plays in its transaction.
type RequestKind int

const (
	// RequestStart marks the start of a new transaction. It is always a
	// request_headers message.
	RequestStart RequestKind = iota + 1
	// RequestContinuation is any request that neither starts nor ends its
	// transaction.
	RequestContinuation
	// RequestTerminal is the final message of the HTTP exchange: response
	// trailers, or response headers/body that carry end_of_stream.
	RequestTerminal
)

func (k RequestKind) String() string {
	switch k {
	case RequestStart:
		return "start"
	case RequestContinuation:
		return "continuation"
	case RequestTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// ResponseKind is the role an inbound response plays.
type ResponseKind int

const (
	// ResponsePrimary answers the oldest request on the stream that has not
	// yet been fully answered.
	ResponsePrimary ResponseKind = iota + 1
	// ResponseContinuation continues the answer to the request that most
	// recently received a primary response.
	ResponseContinuation
)

func (k ResponseKind) String() string {
	switch k {
	case ResponsePrimary:
		return "primary"
	case ResponseContinuation:
		return "continuation"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// ClassifyRequest determines the kind and phase of the given request. It
// returns an error if the request carries no payload.
func ClassifyRequest(req *extprocv3.ProcessingRequest) (RequestKind, Phase, error) {
	if req == nil {
		return 0, PhaseUnknown, fmt.Errorf("nil request")
	}
	switch r := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return RequestStart, PhaseRequestHeaders, nil
	case *extprocv3.ProcessingRequest_RequestBody:
		return RequestContinuation, PhaseRequestBody, nil
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return RequestContinuation, PhaseRequestTrailers, nil
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		if r.ResponseHeaders.GetEndOfStream() {
			return RequestTerminal, PhaseResponseHeaders, nil
		}
		return RequestContinuation, PhaseResponseHeaders, nil
	case *extprocv3.ProcessingRequest_ResponseBody:
		if r.ResponseBody.GetEndOfStream() {
			return RequestTerminal, PhaseResponseBody, nil
		}
		return RequestContinuation, PhaseResponseBody, nil
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return RequestTerminal, PhaseResponseTrailers, nil
	default:
		return 0, PhaseUnknown, fmt.Errorf("unrecognized request type: %T", r)
	}
}

// responsePhase returns the phase of the given response.
func responsePhase(resp *extprocv3.ProcessingResponse) Phase {
	switch resp.Response.(type) {
	case *extprocv3.ProcessingResponse_RequestHeaders:
		return PhaseRequestHeaders
	case *extprocv3.ProcessingResponse_RequestBody:
		return PhaseRequestBody
	case *extprocv3.ProcessingResponse_RequestTrailers:
		return PhaseRequestTrailers
	case *extprocv3.ProcessingResponse_ResponseHeaders:
		return PhaseResponseHeaders
	case *extprocv3.ProcessingResponse_ResponseBody:
		return PhaseResponseBody
	case *extprocv3.ProcessingResponse_ResponseTrailers:
		return PhaseResponseTrailers
	case *extprocv3.ProcessingResponse_ImmediateResponse:
		return PhaseImmediate
	default:
		return PhaseUnknown
	}
}

const (
	metadataNamespace    = "extprocmux"
	metadataContinuation = "continuation"
	metadataMore         = "more"
)

// ClassifyResponse determines the kind and phase of the given response, and
// whether the server announced that more responses follow for the same
// request.
func ClassifyResponse(resp *extprocv3.ProcessingResponse) (kind ResponseKind, phase Phase, more bool, err error) {
	if resp == nil {
		return 0, PhaseUnknown, false, fmt.Errorf("nil response")
	}
	phase = responsePhase(resp)
	if phase == PhaseUnknown {
		return 0, PhaseUnknown, false, fmt.Errorf("unrecognized response type: %T", resp.Response)
	}
	kind = ResponsePrimary
	ns := resp.GetDynamicMetadata().GetFields()[metadataNamespace].GetStructValue()
	if ns != nil {
		if ns.GetFields()[metadataContinuation].GetBoolValue() {
			kind = ResponseContinuation
		}
		more = ns.GetFields()[metadataMore].GetBoolValue()
	}
	return kind, phase, more, nil
}

// stampResponse records, in the response's dynamic metadata, whether it is a
// continuation and whether more responses follow. A response that is neither
// is left untouched, so single answers look like stock ext_proc responses.
func stampResponse(resp *extprocv3.ProcessingResponse, continuation, more bool) {
	if !continuation && !more {
		return
	}
	if resp.DynamicMetadata == nil {
		resp.DynamicMetadata = &structpb.Struct{}
	}
	if resp.DynamicMetadata.Fields == nil {
		resp.DynamicMetadata.Fields = map[string]*structpb.Value{}
	}
	resp.DynamicMetadata.Fields[metadataNamespace] = structpb.NewStructValue(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			metadataContinuation: structpb.NewBoolValue(continuation),
			metadataMore:         structpb.NewBoolValue(more),
		},
	})
}
