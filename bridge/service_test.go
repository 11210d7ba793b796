package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/middleware"
	"rpcbridge/naming"
	"rpcbridge/substrate"
)

type addTwoIntsRequest struct {
	A int64
	B int64
}

type addTwoIntsResponse struct {
	Sum int64
}

func addTwoInts(q substrate.Query) {
	var req addTwoIntsRequest
	if err := codec.Unmarshal(q.Payload(), &req); err != nil {
		q.ReplyErr(err)
		return
	}
	resp, _ := codec.Marshal(&addTwoIntsResponse{Sum: req.A + req.B})
	q.Reply(resp)
}

func callAddTwoInts(s substrate.Substrate, name string, a, b int64) (int64, error) {
	req, _ := codec.Marshal(&addTwoIntsRequest{A: a, B: b})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := s.Call(ctx, name, req)
	if err != nil {
		return 0, err
	}
	var resp addTwoIntsResponse
	if err := codec.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	return resp.Sum, nil
}

func startService(t *testing.T, route ServiceRoute, ros, zenoh substrate.Substrate, opts Options) *ServiceBridge {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	b, err := NewServiceBridge(route, ros, zenoh, &naming.Mapper{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func TestServiceZenohToROS(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	ros.Register("/test_service_z2r", addTwoInts)
	startService(t, ServiceRoute{Name: "test_service_z2r", Direction: ZenohToROS}, ros, zenoh, Options{})

	sum, err := callAddTwoInts(zenoh, "test_service_z2r", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 3 {
		t.Fatalf("expect 3, got %d", sum)
	}
}

func TestServiceROSToZenoh(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	zenoh.Register("test_service_r2z", addTwoInts)
	startService(t, ServiceRoute{Name: "/test_service_r2z", Direction: ROSToZenoh}, ros, zenoh, Options{})

	sum, err := callAddTwoInts(ros, "/test_service_r2z", 40, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 42 {
		t.Fatalf("expect 42, got %d", sum)
	}
}

func TestServiceNamespace(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	ros.Register("/add", addTwoInts)
	mapper, _ := naming.NewMapper("robot1")
	b, err := NewServiceBridge(ServiceRoute{Name: "add", Direction: ZenohToROS}, ros, zenoh, mapper, Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}
	b.Start()
	defer b.Shutdown()

	if sum, err := callAddTwoInts(zenoh, "robot1/add", 2, 2); err != nil || sum != 4 {
		t.Fatalf("expect 4, got %d, %v", sum, err)
	}
}

func TestServiceRejectsMalformedRequest(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	var calls atomic.Int32
	ros.Register("/add", func(q substrate.Query) {
		calls.Add(1)
		addTwoInts(q)
	})
	startService(t, ServiceRoute{Name: "add", Direction: ZenohToROS}, ros, zenoh, Options{})

	for _, bad := range [][]byte{nil, {0x00}, {0x07, 0x07, 0x00, 0x00, 1}} {
		if _, err := zenoh.Call(context.Background(), "add", bad); !errors.Is(err, message.ErrDecode) {
			t.Fatalf("expect DecodeError for %x, got %v", bad, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("malformed requests must not reach the remote side, got %d calls", calls.Load())
	}
}

func TestServiceRejectsMalformedReply(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	ros.Register("/garbled", func(q substrate.Query) { q.Reply([]byte{0xff}) })
	startService(t, ServiceRoute{Name: "garbled", Direction: ZenohToROS}, ros, zenoh, Options{})

	if _, err := callAddTwoInts(zenoh, "garbled", 1, 1); !errors.Is(err, message.ErrDecode) {
		t.Fatalf("expect DecodeError, got %v", err)
	}
}

func TestServiceTimeoutAndLateReply(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	release := make(chan struct{})
	ros.Register("/slow", func(q substrate.Query) {
		<-release
		addTwoInts(q)
	})
	core, logs := observer.New(zap.WarnLevel)
	startService(t, ServiceRoute{Name: "slow", Direction: ZenohToROS, Timeout: 50 * time.Millisecond}, ros, zenoh, Options{Logger: zap.New(core)})

	start := time.Now()
	if _, err := callAddTwoInts(zenoh, "slow", 1, 2); !errors.Is(err, message.ErrTimeout) {
		t.Fatalf("expect Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	close(release)

	deadline := time.Now().Add(time.Second)
	for logs.FilterMessage("discarding late reply").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("late reply not logged, got %v", logs.All())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceRetriesTransportErrors(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	var calls atomic.Int32
	ros.Register("/flaky", func(q substrate.Query) {
		if calls.Add(1) == 1 {
			q.ReplyErr(message.ErrTransport)
			return
		}
		addTwoInts(q)
	})
	opts := Options{Retry: middleware.RetryPolicy{Attempts: 3, Delay: time.Millisecond}}
	startService(t, ServiceRoute{Name: "flaky", Direction: ZenohToROS}, ros, zenoh, opts)

	if sum, err := callAddTwoInts(zenoh, "flaky", 3, 4); err != nil || sum != 7 {
		t.Fatalf("expect 7 after retry, got %d, %v", sum, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expect 2 calls, got %d", calls.Load())
	}
}

func TestServiceNoRemote(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	startService(t, ServiceRoute{Name: "missing", Direction: ZenohToROS}, ros, zenoh, Options{})

	if _, err := callAddTwoInts(zenoh, "missing", 1, 1); !errors.Is(err, message.ErrTransport) {
		t.Fatalf("expect TransportError, got %v", err)
	}
}

func TestServiceShutdown(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	entered := make(chan struct{})
	ros.Register("/stuck", func(q substrate.Query) { close(entered) })
	b := startService(t, ServiceRoute{Name: "stuck", Direction: ZenohToROS, Timeout: 10 * time.Second}, ros, zenoh, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := callAddTwoInts(zenoh, "stuck", 1, 1)
		errc <- err
	}()
	<-entered
	b.Shutdown()

	select {
	case err := <-errc:
		if !errors.Is(err, message.ErrShuttingDown) {
			t.Fatalf("expect ShuttingDown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call not failed by Shutdown")
	}
	if zenoh.Registered("stuck") {
		t.Fatal("responder still declared after Shutdown")
	}
	if _, err := b.Start(); !errors.Is(err, message.ErrShuttingDown) {
		t.Fatalf("expect ShuttingDown on restart, got %v", err)
	}
}

func TestServiceStopAndRestart(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	ros.Register("/add", addTwoInts)
	b := startService(t, ServiceRoute{Name: "add", Direction: ZenohToROS}, ros, zenoh, Options{})

	b.Stop()
	if zenoh.Registered("add") {
		t.Fatal("responder still declared after Stop")
	}
	if _, err := b.Start(); err != nil {
		t.Fatal(err)
	}
	if sum, err := callAddTwoInts(zenoh, "add", 5, 5); err != nil || sum != 10 {
		t.Fatalf("expect 10, got %d, %v", sum, err)
	}
}

func TestServiceLostRegistration(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	b, err := NewServiceBridge(ServiceRoute{Name: "add", Direction: ZenohToROS}, ros, zenoh, &naming.Mapper{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Shutdown()
	lost, err := b.Start()
	if err != nil {
		t.Fatal(err)
	}
	zenoh.Fail("add", nil)
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost channel not closed")
	}
}

func TestServiceInvalidRoute(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	for _, route := range []ServiceRoute{
		{Name: "", Direction: ZenohToROS},
		{Name: "/a//b", Direction: ZenohToROS},
		{Name: "/fibonacci/_action/send_goal", Direction: ZenohToROS},
		{Name: "/add", Direction: "sideways"},
	} {
		if _, err := NewServiceBridge(route, ros, zenoh, &naming.Mapper{}, Options{}); !errors.Is(err, message.ErrInvalidName) {
			t.Fatalf("expect InvalidName for %+v, got %v", route, err)
		}
	}
}
