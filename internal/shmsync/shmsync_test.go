package shmsync

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yangvault/internal/errcode"
	"yangvault/internal/shm"
)

func testLockWords(t *testing.T) *shm.Ext {
	t.Helper()
	e, err := shm.OpenExt(filepath.Join(t.TempDir(), "lock_ext"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func testMutex(t *testing.T, e *shm.Ext) Mutex {
	t.Helper()
	off, err := e.Alloc(8)
	if err != nil {
		t.Fatal(err)
	}
	word, err := e.Word32(off)
	if err != nil {
		t.Fatal(err)
	}
	return NewMutex(word)
}

func deadline() time.Time { return time.Now().Add(5 * time.Second) }

func TestMutexLockUnlock(t *testing.T) {
	e := testLockWords(t)
	mu := testMutex(t, e)

	if err := mu.Lock(deadline()); err != nil {
		t.Fatal(err)
	}
	if mu.TryLock() {
		t.Error("TryLock succeeded on a held mutex")
	}
	mu.Unlock()
	if !mu.TryLock() {
		t.Error("TryLock failed on a free mutex")
	}
	mu.Unlock()
}

func TestMutexTimeout(t *testing.T) {
	e := testLockWords(t)
	mu := testMutex(t, e)

	if err := mu.Lock(deadline()); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err := mu.Lock(time.Now().Add(50 * time.Millisecond))
	if errcode.KindOf(err) != errcode.TimeOut {
		t.Fatalf("expected TimeOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
	mu.Unlock()
	// The timed-out waiter left no state behind; lock is acquirable.
	if err := mu.Lock(deadline()); err != nil {
		t.Fatal(err)
	}
	mu.Unlock()
}

func TestMutexContention(t *testing.T) {
	e := testLockWords(t)
	mu := testMutex(t, e)

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := mu.Lock(deadline()); err != nil {
					t.Error(err)
					return
				}
				counter++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 8*200 {
		t.Errorf("lost updates: %d", counter)
	}
}

func testRWLock(t *testing.T, e *shm.Ext) *RWLock {
	t.Helper()
	off, err := e.Alloc(RWLockSize)
	if err != nil {
		t.Fatal(err)
	}
	l, err := AttachRWLock(e.Seg, off)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestRWLockReadersShare(t *testing.T) {
	e := testLockWords(t)
	l := testRWLock(t, e)

	if err := l.Lock(Read, deadline()); err != nil {
		t.Fatal(err)
	}
	if err := l.Lock(Read, deadline()); err != nil {
		t.Fatal(err)
	}
	if got := l.Readers(); got != 2 {
		t.Errorf("expected 2 readers, got %d", got)
	}
	l.Unlock(Read)
	l.Unlock(Read)
}

func TestRWLockWriterExcludesReaders(t *testing.T) {
	e := testLockWords(t)
	l := testRWLock(t, e)

	if err := l.Lock(Read, deadline()); err != nil {
		t.Fatal(err)
	}
	// Writer times out while a reader holds the lock.
	err := l.Lock(Write, time.Now().Add(50*time.Millisecond))
	if errcode.KindOf(err) != errcode.TimeOut {
		t.Fatalf("expected TimeOut, got %v", err)
	}
	l.Unlock(Read)

	// Now the writer gets in, and a reader times out against it.
	if err := l.Lock(Write, deadline()); err != nil {
		t.Fatal(err)
	}
	readerErr := make(chan error, 1)
	go func() {
		readerErr <- l.Lock(Read, time.Now().Add(50*time.Millisecond))
	}()
	if err := <-readerErr; errcode.KindOf(err) != errcode.TimeOut {
		t.Fatalf("expected reader TimeOut, got %v", err)
	}
	l.Unlock(Write)
}

func TestRWLockWriterWaitsForDrain(t *testing.T) {
	e := testLockWords(t)
	l := testRWLock(t, e)

	if err := l.Lock(Read, deadline()); err != nil {
		t.Fatal(err)
	}
	var order atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Lock(Write, deadline()); err != nil {
			t.Error(err)
			return
		}
		order.Add(1)
		l.Unlock(Write)
	}()

	time.Sleep(20 * time.Millisecond)
	if order.Load() != 0 {
		t.Fatal("writer got in while a reader held the lock")
	}
	l.Unlock(Read)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never proceeded after reader drain")
	}
}

func TestRWLockUpgrade(t *testing.T) {
	e := testLockWords(t)
	l := testRWLock(t, e)

	if err := l.Lock(ReadUpgr, deadline()); err != nil {
		t.Fatal(err)
	}
	// A second upgradeable acquisition is excluded.
	err := l.Lock(ReadUpgr, time.Now().Add(50*time.Millisecond))
	if errcode.KindOf(err) != errcode.TimeOut {
		t.Fatalf("expected TimeOut for second upgrader, got %v", err)
	}
	// Plain readers still get in.
	if err := l.Lock(Read, deadline()); err != nil {
		t.Fatal(err)
	}
	l.Unlock(Read)

	if err := l.Upgrade(deadline()); err != nil {
		t.Fatal(err)
	}
	l.UnlockUpgraded()

	// Fully released: a fresh writer gets in.
	if err := l.Lock(Write, deadline()); err != nil {
		t.Fatal(err)
	}
	l.Unlock(Write)
}

func TestEmulatedWaitHonorsDeadline(t *testing.T) {
	var word uint32 = 7
	start := time.Now()
	if emulatedWait(&word, 7, time.Now().Add(60*time.Millisecond)) {
		t.Error("expected timeout")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("deadline not honored: %v", elapsed)
	}

	// Value change releases the wait.
	word = 1
	go func() {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreUint32(&word, 2)
	}()
	if !emulatedWait(&word, 1, time.Now().Add(5*time.Second)) {
		t.Error("expected wakeup on value change")
	}
}
