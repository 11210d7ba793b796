package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap/zaptest"

	"rpcbridge/codec"
	"rpcbridge/message"
	"rpcbridge/naming"
	"rpcbridge/substrate"
)

type fibonacciSendGoal struct {
	GoalID message.GoalID
	Order  int32
}

type fibonacciResult struct {
	Status   int8
	Sequence []int32
}

type fibonacciFeedback struct {
	GoalID          message.GoalID
	PartialSequence []int32
}

type fibonacciServer struct {
	srv     *substrate.ActionServer
	goals   atomic.Int32
	release chan struct{} // closed to let goals run
}

// serveFibonacci runs a Fibonacci action server on ros. Goals wait for
// release, then publish one feedback per step and succeed, or end as
// canceled once a cancel request was accepted.
func serveFibonacci(t *testing.T, ros substrate.Domain) *fibonacciServer {
	t.Helper()
	fs := &fibonacciServer{release: make(chan struct{})}
	srv, err := substrate.ServeAction(ros, "/fibonacci", substrate.ActionServerOptions{
		Accept: func(id message.GoalID, req []byte) bool {
			fs.goals.Add(1)
			var goal fibonacciSendGoal
			return codec.Unmarshal(req, &goal) == nil && goal.Order >= 0
		},
		Execute: func(ctx context.Context, g *substrate.ServerGoal) {
			var goal fibonacciSendGoal
			codec.Unmarshal(g.Request, &goal)
			g.Executing()
			select {
			case <-fs.release:
			case <-g.Canceled():
				resp, _ := codec.Marshal(&fibonacciResult{Status: message.StatusCanceled})
				<-fs.release
				g.Finish(message.StatusCanceled, resp)
				return
			case <-ctx.Done():
				return
			}
			seq := []int32{0, 1}
			for i := 1; i < int(goal.Order); i++ {
				seq = append(seq, seq[i]+seq[i-1])
				fb, _ := codec.Marshal(&fibonacciFeedback{GoalID: g.ID, PartialSequence: seq})
				g.PublishFeedback(fb)
			}
			resp, _ := codec.Marshal(&fibonacciResult{Status: message.StatusSucceeded, Sequence: seq})
			g.Finish(message.StatusSucceeded, resp)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	fs.srv = srv
	return fs
}

func startAction(t *testing.T, ros, zenoh substrate.Domain, opts Options) *ActionBridge {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	b, err := NewActionBridge(ActionRoute{Name: "fibonacci"}, ros, zenoh, &naming.Mapper{}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func sendGoal(zenoh substrate.Substrate, id message.GoalID, order int32) (message.SendGoalResponse, error) {
	req, _ := codec.Marshal(&fibonacciSendGoal{GoalID: id, Order: order})
	var resp message.SendGoalResponse
	data, err := zenoh.Call(context.Background(), "fibonacci/_action/send_goal", req)
	if err != nil {
		return resp, err
	}
	return resp, codec.Unmarshal(data, &resp)
}

func getResult(zenoh substrate.Substrate, id message.GoalID) (fibonacciResult, error) {
	req, _ := codec.Marshal(&message.GoalRequestHeader{GoalID: id})
	var res fibonacciResult
	data, err := zenoh.Call(context.Background(), "fibonacci/_action/get_result", req)
	if err != nil {
		return res, err
	}
	return res, codec.Unmarshal(data, &res)
}

func cancelGoal(zenoh substrate.Substrate, id message.GoalID) (message.CancelGoalResponse, error) {
	req, _ := codec.Marshal(&message.CancelGoalRequest{GoalInfo: message.GoalInfo{GoalID: id}})
	var resp message.CancelGoalResponse
	data, err := zenoh.Call(context.Background(), "fibonacci/_action/cancel_goal", req)
	if err != nil {
		return resp, err
	}
	return resp, codec.Unmarshal(data, &resp)
}

func waitStatus(t *testing.T, b *ActionBridge, id message.GoalID, want GoalStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok := b.Goals().Lookup(id)
		if ok && rec.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("goal %s: expect %s, got %+v (present=%v)", id, want, rec, ok)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestActionFibonacci(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	startAction(t, ros, zenoh, Options{})

	var mu sync.Mutex
	var feedback [][]int32
	zenoh.Subscribe("fibonacci/_action/feedback", func(p []byte) {
		var fb fibonacciFeedback
		if codec.Unmarshal(p, &fb) == nil {
			mu.Lock()
			feedback = append(feedback, fb.PartialSequence)
			mu.Unlock()
		}
	})

	id := message.NewGoalID()
	resp, err := sendGoal(zenoh, id, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted {
		t.Fatal("goal rejected")
	}
	close(fs.release)

	res, err := getResult(zenoh, id)
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{0, 1, 1, 2, 3, 5}
	if res.Status != message.StatusSucceeded || len(res.Sequence) != len(want) {
		t.Fatalf("unexpected result %+v", res)
	}
	for i := range want {
		if res.Sequence[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, res.Sequence)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(feedback)
		mu.Unlock()
		if n == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect 4 feedback messages, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The result was collected, so the record is gone.
	if _, err := getResult(zenoh, id); !errors.Is(err, message.ErrUnknownGoal) {
		t.Fatalf("expect UnknownGoal after collection, got %v", err)
	}
}

func TestActionGetResultBlocks(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	startAction(t, ros, zenoh, Options{})

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 3); err != nil {
		t.Fatal(err)
	}
	got := make(chan error, 1)
	go func() {
		_, err := getResult(zenoh, id)
		got <- err
	}()
	select {
	case err := <-got:
		t.Fatalf("get_result returned before the goal finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(fs.release)
	select {
	case err := <-got:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("get_result not released")
	}
}

func TestActionDuplicateGoal(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	startAction(t, ros, zenoh, Options{})
	defer close(fs.release)

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := sendGoal(zenoh, id, 3); !errors.Is(err, message.ErrDuplicateGoal) {
		t.Fatalf("expect DuplicateGoal, got %v", err)
	}
	if n := fs.goals.Load(); n != 1 {
		t.Fatalf("duplicate must not reach the action server, got %d goals", n)
	}
}

func TestActionRejectedGoal(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	serveFibonacci(t, ros)
	b := startAction(t, ros, zenoh, Options{})

	id := message.NewGoalID()
	resp, err := sendGoal(zenoh, id, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Accepted {
		t.Fatal("expect rejection of negative order")
	}
	if _, ok := b.Goals().Lookup(id); ok {
		t.Fatal("rejected goal must not keep a record")
	}
	if _, err := getResult(zenoh, id); !errors.Is(err, message.ErrUnknownGoal) {
		t.Fatalf("expect UnknownGoal, got %v", err)
	}
}

func TestActionUnknownGoal(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	serveFibonacci(t, ros)
	startAction(t, ros, zenoh, Options{})

	id := message.NewGoalID()
	if _, err := getResult(zenoh, id); !errors.Is(err, message.ErrUnknownGoal) {
		t.Fatalf("expect UnknownGoal from get_result, got %v", err)
	}
	if _, err := cancelGoal(zenoh, id); !errors.Is(err, message.ErrUnknownGoal) {
		t.Fatalf("expect UnknownGoal from cancel, got %v", err)
	}
}

func TestActionCancel(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	b := startAction(t, ros, zenoh, Options{})

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 10); err != nil {
		t.Fatal(err)
	}
	resp, err := cancelGoal(zenoh, id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ReturnCode != message.CancelErrorNone || len(resp.GoalsCanceling) != 1 || resp.GoalsCanceling[0].GoalID != id {
		t.Fatalf("unexpected cancel response %+v", resp)
	}
	waitStatus(t, b, id, GoalCanceling)

	close(fs.release)
	waitStatus(t, b, id, GoalCanceled)
	if _, err := cancelGoal(zenoh, id); !errors.Is(err, message.ErrInvalidGoalState) {
		t.Fatalf("expect InvalidGoalState for finished goal, got %v", err)
	}
	res, err := getResult(zenoh, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != message.StatusCanceled {
		t.Fatalf("expect canceled result, got %+v", res)
	}
}

func TestActionGetResultTimeout(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	b := startAction(t, ros, zenoh, Options{GetResultTimeout: 30 * time.Millisecond})

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := getResult(zenoh, id); !errors.Is(err, message.ErrTimeout) {
		t.Fatalf("expect Timeout, got %v", err)
	}

	// The record survives a timed out get_result.
	close(fs.release)
	waitStatus(t, b, id, GoalSucceeded)
	if res, err := getResult(zenoh, id); err != nil || res.Status != message.StatusSucceeded {
		t.Fatalf("expect result after release, got %+v, %v", res, err)
	}
}

func TestActionStatusStream(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	b := startAction(t, ros, zenoh, Options{})
	defer close(fs.release)

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 3); err != nil {
		t.Fatal(err)
	}
	publish := func(status int8) {
		arr, _ := codec.Marshal(&message.GoalStatusArray{StatusList: []message.GoalStatus{
			{GoalInfo: message.GoalInfo{GoalID: id}, Status: status},
		}})
		ros.Publish(context.Background(), "/fibonacci/_action/status", arr)
	}
	publish(message.StatusExecuting)
	waitStatus(t, b, id, GoalExecuting)

	// Terminal states come from get_result only; stale states are refused.
	publish(message.StatusSucceeded)
	publish(message.StatusAccepted)
	if rec, _ := b.Goals().Lookup(id); rec.Status != GoalExecuting {
		t.Fatalf("expect executing, got %s", rec.Status)
	}
}

func TestActionFeedbackQueueFull(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	b := startAction(t, ros, zenoh, Options{FeedbackQueueLen: 1})
	defer close(fs.release)

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 3); err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	defer close(block)
	var delivered atomic.Int32
	zenoh.Subscribe("fibonacci/_action/feedback", func(p []byte) {
		delivered.Add(1)
		<-block
	})

	fb, _ := codec.Marshal(&fibonacciFeedback{GoalID: id, PartialSequence: []int32{0, 1}})
	for i := 0; i < 10; i++ {
		ros.Publish(context.Background(), "/fibonacci/_action/feedback", fb)
	}
	// At most one update is held by the blocked subscriber and one sits in
	// the queue.
	var m dto.Metric
	if err := metricFeedbackDropped.WithLabelValues(b.Name()).Write(&m); err != nil {
		t.Fatal(err)
	}
	if n := m.GetCounter().GetValue(); n < 8 {
		t.Fatalf("expect at least 8 dropped updates, got %v", n)
	}
	if n := delivered.Load(); n > 1 {
		t.Fatalf("expect at most one delivery while blocked, got %d", n)
	}
}

func TestActionGoalTableFull(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	startAction(t, ros, zenoh, Options{MaxGoals: 1})
	defer close(fs.release)

	if _, err := sendGoal(zenoh, message.NewGoalID(), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := sendGoal(zenoh, message.NewGoalID(), 3); !errors.Is(err, message.ErrResourceExhausted) {
		t.Fatalf("expect ResourceExhausted, got %v", err)
	}
}

func TestActionServerUnavailable(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	b := startAction(t, ros, zenoh, Options{})

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 3); !errors.Is(err, message.ErrTransport) {
		t.Fatalf("expect TransportError, got %v", err)
	}
	if _, ok := b.Goals().Lookup(id); ok {
		t.Fatal("failed send_goal must drop the reservation")
	}
}

func TestActionShutdown(t *testing.T) {
	ros, zenoh := substrate.NewMemory(), substrate.NewMemory()
	fs := serveFibonacci(t, ros)
	b := startAction(t, ros, zenoh, Options{})
	defer close(fs.release)

	id := message.NewGoalID()
	if _, err := sendGoal(zenoh, id, 3); err != nil {
		t.Fatal(err)
	}
	got := make(chan error, 1)
	go func() {
		_, err := getResult(zenoh, id)
		got <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Shutdown()

	select {
	case err := <-got:
		if !errors.Is(err, message.ErrShuttingDown) {
			t.Fatalf("expect ShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("get_result not failed by Shutdown")
	}
	if _, err := sendGoal(zenoh, message.NewGoalID(), 3); err == nil {
		t.Fatal("expect new goals to be refused after Shutdown")
	}
}
