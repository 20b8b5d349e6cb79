// Package internal holds the plumbing shared by the extprocmux binaries.
package internal

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer creates client connections to an ext_proc server.
type Dialer struct {
	// Logger receives dial failures as they happen. If nil, they are only
	// reported in the returned error.
	Logger *zap.Logger
	// Timeout bounds how long BlockingDial waits for the connection to
	// become ready. Zero means ctx alone bounds it.
	Timeout time.Duration
	// Options are added to the dial options. Without any transport
	// credentials among them, connections are insecure.
	Options []grpc.DialOption
	// Secure must be set if Options contains transport credentials.
	Secure bool
}

// BlockingDial dials the given address and returns the resulting gRPC client
// conn. It blocks for the client to become ready. If the context finishes (or
// the timeout elapses) first, it returns the most recent error returned by
// underlying network dial operations. If no such error has been returned, it
// will return the context error.
//
// Connections use TCP keepalives with the OS's default interval and time,
// since ext_proc streams are long-lived and may sit idle between bursts.
func (d Dialer) BlockingDial(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialingDone := make(chan struct{})
	defer close(dialingDone)
	dialErrors := make(chan error, 1)

	opts := make([]grpc.DialOption, 0, len(d.Options)+2)
	if !d.Secure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, d.Options...)
	opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		conn, err := keepaliveDialer().DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
			select {
			case <-dialingDone:
			case dialErrors <- err:
			}
			if !isTemporary(err) {
				cancel()
			}
		}
		return conn, err
	}))

	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	var dialErr error
	var mu sync.Mutex
	go func() {
		for {
			select {
			case <-dialingDone:
				return
			case <-ctx.Done():
				return
			case err := <-dialErrors:
				mu.Lock()
				dialErr = err
				mu.Unlock()
			}
		}
	}()
	cc.Connect()
	for {
		connState := cc.GetState()
		if connState == connectivity.Ready {
			logger.Debug("connected", zap.String("addr", addr))
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, connState) {
			_ = cc.Close()
			mu.Lock()
			err := dialErr
			mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		}
	}
}

// keepaliveDialer unconditionally enables TCP keepalives on the socket,
// while setting KeepAlive to a negative value stops the standard library from
// overriding the OS defaults for their interval and time.
func keepaliveDialer() *net.Dialer {
	return &net.Dialer{
		KeepAlive: time.Duration(-1),
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
			})
		},
	}
}

// copied from grpc-go
func isTemporary(err error) bool {
	switch err := err.(type) {
	case interface {
		Temporary() bool
	}:
		return err.Temporary()
	case interface {
		Timeout() bool
	}:
		// Timeouts may be resolved upon retry, and are thus treated as
		// temporary.
		return err.Timeout()
	}
	return true
}
