package extprocmux

import (
	"context"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestMultiplexerOverNetwork(t *testing.T) {
	// End-to-end: a Multiplexer talking to a Server over a real connection.

	var mu sync.Mutex
	streamIDs := map[string]uint64{}
	svr := NewServer(ContinueProducer{Mode: DefaultProcessingMode()}, ServerOptions{
		OnStreamClose: func(info StreamInfo) {
			mu.Lock()
			defer mu.Unlock()
			streamIDs[info.StreamID] = info.Transactions
		},
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	gs := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(gs, svr)
	go func() {
		if err := gs.Serve(l); err != nil {
			t.Logf("error from grpc server: %v", err)
		}
	}()
	defer gs.Stop()

	cc, err := grpc.NewClient(l.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer func() {
		_ = cc.Close()
	}()
	cli := extprocv3.NewExternalProcessorClient(cc)

	// Make sure any goroutines used by the client and server created above have started. That
	// way, we don't incorrectly think they are leaked goroutines.
	cc.Connect()
	time.Sleep(500 * time.Millisecond)

	checkForGoroutineLeak(t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		mux := NewMultiplexer(cli, BoundedReuse(5), WithLanes(2))
		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := mux.Do(ctx, fullSpec())
				if err == nil && res.Responses[0].Message.GetModeOverride() == nil {
					t.Errorf("transaction %d: missing mode override", res.TransactionID)
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("transaction failed: %v", err)
			}
		}
		if err := mux.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})

	// every stream was identified and carried at most five transactions
	mu.Lock()
	defer mu.Unlock()
	var total uint64
	for id, n := range streamIDs {
		if id == "" {
			t.Errorf("stream opened without an ID")
		}
		if n > 5 {
			t.Errorf("stream %s carried %d transactions", id, n)
		}
		total += n
	}
	if total != 20 {
		t.Errorf("expected 20 transactions across all streams, got %d", total)
	}
}

func checkForGoroutineLeak(t *testing.T, fn func()) {
	before := runtime.NumGoroutine()

	fn()

	// check for goroutine leaks
	deadline := time.Now().Add(time.Second * 5)
	after := 0
	for deadline.After(time.Now()) {
		after = runtime.NumGoroutine()
		if after <= before {
			// number of goroutines returned to previous level: no leak!
			return
		}
		time.Sleep(time.Millisecond * 50)
	}
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	t.Errorf("%d goroutines leaked:\n%s", after-before, string(buf[:n]))
}
