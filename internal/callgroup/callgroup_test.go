package callgroup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoChanDeduplicates(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32
	release := make(chan struct{})

	const callers = 5
	results := make(chan Result[int], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- <-g.DoChan("mod", func() (int, error) {
				executions.Add(1)
				<-release
				return 42, nil
			})
		}()
	}

	// Let all callers join the in-flight call before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := executions.Load(); got != 1 {
		t.Errorf("expected 1 execution, got %d", got)
	}
	for res := range results {
		if res.Err != nil || res.Val != 42 {
			t.Errorf("unexpected result: %+v", res)
		}
	}
}

func TestDoForgetsKeyAfterCompletion(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32

	for i := 0; i < 3; i++ {
		v, err := g.Do("mod", func() (int, error) {
			executions.Add(1)
			return i, nil
		})
		if err != nil || v != i {
			t.Errorf("call %d: got (%d, %v)", i, v, err)
		}
	}
	if got := executions.Load(); got != 3 {
		t.Errorf("expected 3 executions, got %d", got)
	}
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	var g Group[string, string]
	a, _ := g.Do("a", func() (string, error) { return "A", nil })
	b, _ := g.Do("b", func() (string, error) { return "B", nil })
	if a != "A" || b != "B" {
		t.Errorf("got %q, %q", a, b)
	}
}
