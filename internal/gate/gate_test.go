package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/melodydashora/vecto-pilot/internal/errclass"
)

func TestAcquireReleaseBasic(t *testing.T) {
	g := New(2, time.Second)

	p1, err := g.Acquire(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	p2, err := g.Acquire(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if got := g.Active("anthropic"); got != 2 {
		t.Errorf("expected 2 active, got %d", got)
	}

	p1.Release()
	p2.Release()
	if got := g.Active("anthropic"); got != 0 {
		t.Errorf("expected 0 active after release, got %d", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	g := New(1, time.Second)

	p1, err := g.Acquire(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("acquire anthropic: %v", err)
	}
	defer p1.Release()

	// A full anthropic gate must not block openai.
	p2, err := g.Acquire(context.Background(), "openai")
	if err != nil {
		t.Fatalf("acquire openai: %v", err)
	}
	p2.Release()
}

func TestQueueTimeout(t *testing.T) {
	g := New(1, 50*time.Millisecond)

	p, _ := g.Acquire(context.Background(), "openai")
	defer p.Release()

	_, err := g.Acquire(context.Background(), "openai")
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if kind := errclass.Classify(err); kind != errclass.Timeout {
		t.Errorf("expected timeout kind, got %s", kind)
	}
	if got := g.Waiting("openai"); got != 0 {
		t.Errorf("expected waiter removed after timeout, got %d", got)
	}
}

func TestContextCancelWhileWaiting(t *testing.T) {
	g := New(1, time.Second)

	p, _ := g.Acquire(context.Background(), "gemini")
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, "gemini")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if kind := errclass.Classify(err); kind != errclass.Aborted {
		t.Errorf("expected aborted kind, got %s", kind)
	}
}

func TestFIFOHandoff(t *testing.T) {
	g := New(1, time.Second)

	p, _ := g.Acquire(context.Background(), "k")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	started := make(chan struct{}, 3)

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			started <- struct{}{}
			// Stagger joins so queue order is deterministic.
			time.Sleep(time.Duration(n) * 20 * time.Millisecond)
			permit, err := g.Acquire(context.Background(), "k")
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			permit.Release()
		}(i)
	}

	for i := 0; i < 3; i++ {
		<-started
	}
	time.Sleep(100 * time.Millisecond) // all three queued
	p.Release()
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected FIFO order [1 2 3], got %v", order)
	}
}

func TestGateBoundUnderLoad(t *testing.T) {
	const max = 4
	g := New(max, time.Second)

	var active atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background(), "load")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			p.Release()
		}()
	}
	wg.Wait()

	if peak.Load() > max {
		t.Errorf("active exceeded ceiling: peak %d > %d", peak.Load(), max)
	}
	if g.Active("load") != 0 {
		t.Errorf("slots leaked: %d still active", g.Active("load"))
	}
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	g := New(1, time.Second)
	p, _ := g.Acquire(context.Background(), "k")
	p.Release()
	p.Release()
	if got := g.Active("k"); got != 0 {
		t.Errorf("expected 0 active, got %d", got)
	}
}
