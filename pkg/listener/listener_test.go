package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestListenerPreservesOrder(t *testing.T) {
	in := make(chan int, 100)

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	l := New("order", in, func(v int) error {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 50 {
			close(done)
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	for i := 0; i < 50; i++ {
		in <- i
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inputs")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestListenerSurvivesHandlerError(t *testing.T) {
	in := make(chan int, 4)
	handled := make(chan int, 4)

	l := New("errors", in, func(v int) error {
		handled <- v
		if v == 1 {
			return errors.New("sink down")
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2

	for _, want := range []int{1, 2} {
		select {
		case v := <-handled:
			if v != want {
				t.Fatalf("expected %d, got %d", want, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d", want)
		}
	}
}

func TestListenerStopAndDrain(t *testing.T) {
	in := make(chan int, 8)
	stopped := false

	var count int
	l := New("drain", in, func(v int) error {
		count++
		return nil
	}, func() { stopped = true })

	// never started: everything stays buffered until Drain
	l.Stop()
	if !stopped {
		t.Fatal("stop handler was not called")
	}

	in <- 1
	in <- 2
	in <- 3
	if n := l.Drain(); n != 3 || count != 3 {
		t.Fatalf("expected 3 drained inputs, got n=%d count=%d", n, count)
	}
}

func TestListenerRecoversPanics(t *testing.T) {
	in := make(chan int, 4)
	handled := make(chan int, 4)
	failures := make(chan error, 4)

	l := New("panics", in, func(v int) error {
		if v == 1 {
			panic("bad sink")
		}
		handled <- v
		return nil
	})
	l.OnError = func(_ int, err error) { failures <- err }
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2

	select {
	case err := <-failures:
		if err == nil {
			t.Fatal("expected a panic error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the panic to be reported")
	}
	select {
	case v := <-handled:
		if v != 2 {
			t.Fatalf("expected 2, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener stopped after a panic")
	}

	if h, f := l.Stats(); h < 1 || f != 1 {
		t.Fatalf("unexpected stats handled=%d failed=%d", h, f)
	}
}
