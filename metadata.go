package extprocmux

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// StreamIDHeader is the request header, sent when a stream is opened, that
// carries the client's identifier for the stream. Servers use it to tie log
// entries and callbacks to the client handle that owns the stream.
const StreamIDHeader = "extprocmux-stream-id"

type (
	requestInfoContextKey struct{}
)

// StreamIDFromIncomingContext provides server-side access to the stream ID
// the client sent when opening the stream.
func StreamIDFromIncomingContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(StreamIDHeader)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// RequestInfo describes where a request sits on its stream. Servers make it
// available to a ResponseProducer through the context it is given.
type RequestInfo struct {
	// StreamID is the client's identifier for the stream, or empty if the
	// client did not send one.
	StreamID string
	// Transaction is the 1-based sequence number of the transaction on its
	// stream.
	Transaction uint64
	// Index is the 0-based position of the request in its transaction.
	Index int
	Kind  RequestKind
	Phase Phase
}

// RequestInfoFromContext returns the RequestInfo for the request a producer
// is being asked to answer.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoContextKey{}).(RequestInfo)
	return info, ok
}

func withRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoContextKey{}, info)
}

func withStreamID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, StreamIDHeader, id)
}
