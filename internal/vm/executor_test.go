package vm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func startExecutor(t *testing.T, state *State, size int) *Executor {
	t.Helper()
	exec := NewExecutor(state, size)
	ctx, cancel := context.WithCancel(context.Background())
	go exec.Run(ctx)
	t.Cleanup(func() {
		exec.Close()
		cancel()
	})
	return exec
}

func TestNewExecutorDefaultQueueSize(t *testing.T) {
	state := newTestState(t)
	exec := NewExecutor(state, 0)
	if cap(exec.queue) != 100 {
		t.Errorf("queue size = %d, want 100", cap(exec.queue))
	}
	if exec.IsClosed() {
		t.Error("new executor should not be closed")
	}
}

func TestExecutorExecute(t *testing.T) {
	state := newTestState(t)
	exec := startExecutor(t, state, 10)

	err := exec.Execute(context.Background(), func(ctx context.Context, s *State) error {
		return s.DoStringContext(ctx, `answer = 42`)
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := state.GetGlobal("answer"); got != lua.LNumber(42) {
		t.Errorf("answer = %v, want 42", got)
	}

	err = exec.Execute(context.Background(), func(ctx context.Context, s *State) error {
		return s.DoStringContext(ctx, `error("job failed")`)
	})
	if err == nil {
		t.Error("Execute() should return the job's error")
	}
}

func TestExecutorConcurrentSubmitters(t *testing.T) {
	state := newTestState(t)
	exec := startExecutor(t, state, 4)
	if err := state.DoString(`count = 0`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := exec.Execute(context.Background(), func(ctx context.Context, s *State) error {
				return s.DoStringContext(ctx, `count = count + 1`)
			})
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d jobs failed", failures.Load())
	}
	if got := state.GetGlobal("count"); got != lua.LNumber(20) {
		t.Errorf("count = %v, want 20", got)
	}
}

func TestExecutorPanicRecovery(t *testing.T) {
	state := newTestState(t)
	exec := startExecutor(t, state, 1)

	err := exec.Execute(context.Background(), func(context.Context, *State) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("Execute() should report the panic")
	}

	// The executor keeps running.
	if err := exec.Execute(context.Background(), func(context.Context, *State) error { return nil }); err != nil {
		t.Errorf("Execute() after panic error = %v", err)
	}
}

func TestExecutorCancelInterruptsScript(t *testing.T) {
	state := newTestState(t, WithExecutionTimeout(0))
	exec := startExecutor(t, state, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := exec.Execute(ctx, func(ctx context.Context, s *State) error {
		return s.DoStringContext(ctx, `while true do end`)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}

	// Once the loop is interrupted the executor serves the next job.
	err = exec.Execute(context.Background(), func(ctx context.Context, s *State) error {
		return s.DoStringContext(ctx, `after = true`)
	})
	if err != nil {
		t.Fatalf("Execute() after cancel error = %v", err)
	}
	if got := state.GetGlobal("after"); got != lua.LTrue {
		t.Errorf("after = %v, want true", got)
	}
}

func TestExecutorClosed(t *testing.T) {
	state := newTestState(t)
	exec := NewExecutor(state, 1)
	exec.Close()
	exec.Close()

	if !exec.IsClosed() {
		t.Fatal("IsClosed() = false after Close()")
	}
	job := func(context.Context, *State) error { return nil }
	if err := exec.Execute(context.Background(), job); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("Execute() error = %v, want ErrExecutorClosed", err)
	}
}

func TestExecutorRunDrainsOnClose(t *testing.T) {
	state := newTestState(t)
	exec := NewExecutor(state, 2)

	result := make(chan error, 1)
	go func() {
		result <- exec.Execute(context.Background(), func(context.Context, *State) error { return nil })
	}()
	deadline := time.Now().Add(time.Second)
	for len(exec.queue) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job was never queued")
		}
		time.Sleep(time.Millisecond)
	}
	exec.Close()

	done := make(chan struct{})
	go func() {
		exec.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Close()")
	}
	select {
	case err := <-result:
		// Run may pick the queued job before it sees Close.
		if err != nil && !errors.Is(err, ErrExecutorClosed) {
			t.Errorf("Execute() error = %v, want nil or ErrExecutorClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued Execute() never returned")
	}
}
