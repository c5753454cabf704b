package nanodb

import (
	"testing"
	"time"
)

func TestExecutorRunsReadyTasksInOrder(t *testing.T) {
	e := NewExecutor()
	defer e.Close()
	e.SetReady()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		e.Push(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		}, false)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to run")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", order)
		}
	}
}

func TestExecutorBuffersBeforeReady(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	ran := make(chan struct{}, 1)
	e.Push(func() { ran <- struct{}{} }, false)

	select {
	case <-ran:
		t.Fatal("task must not run before the executor is marked ready")
	case <-time.After(100 * time.Millisecond):
	}

	e.ProcessBuffer()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered task never ran after ProcessBuffer")
	}
}

func TestExecutorForcePushBypassesBuffer(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	ran := make(chan struct{}, 1)
	e.Push(func() { ran <- struct{}{} }, true)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("forced task should run even though the executor is not ready")
	}
}

func TestExecutorSerializesConcurrentPushes(t *testing.T) {
	e := NewExecutor()
	defer e.Close()
	e.SetReady()

	var active, maxActive int
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		last := i == 19
		e.Push(func() {
			active++
			if active > maxActive {
				maxActive = active
			}
			time.Sleep(time.Millisecond)
			active--
			if last {
				close(done)
			}
		}, false)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	if maxActive != 1 {
		t.Errorf("expected at most one task running at a time, saw %d", maxActive)
	}
}
