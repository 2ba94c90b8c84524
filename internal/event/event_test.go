package event

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/shmreg"
	"yangvault/internal/shmsync"
	"yangvault/internal/yang"
)

func testPaths(t *testing.T) config.Paths {
	t.Helper()
	t.Setenv(config.EnvShmPrefix, "")
	p, err := config.NewPaths(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCodes(t *testing.T) {
	for _, code := range []Code{Update, Change, Done, Abort, Enabled, Oper, Rpc, Notif} {
		if !code.Listener() {
			t.Errorf("%v must be a listener event", code)
		}
		if code.Terminal() {
			t.Errorf("%v must not be terminal", code)
		}
	}
	for _, code := range []Code{Success, Error} {
		if !code.Terminal() || code.Listener() {
			t.Errorf("%v must be terminal only", code)
		}
	}
	if None.Listener() || None.Terminal() {
		t.Error("None is neither listener nor terminal")
	}
}

func TestSlotWriteReadEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot")
	slot, err := OpenSlot(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	deadline := time.Now().Add(time.Second)
	if err := slot.Lock(shmsync.Write, deadline); err != nil {
		t.Fatal(err)
	}
	payload := []byte("change-payload")
	if err := slot.WriteEvent(1, Change, 42, 20, 2, payload); err != nil {
		t.Fatal(err)
	}
	slot.Unlock(shmsync.Write)

	// A second mapping of the same file observes the event.
	peer, err := OpenSlot(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	if err := peer.Lock(shmsync.Read, deadline); err != nil {
		t.Fatal(err)
	}
	reqID, code, sid, prio, cnt := peer.Header()
	buf, perr := peer.Payload()
	peer.Unlock(shmsync.Read)
	if perr != nil {
		t.Fatal(perr)
	}
	if reqID != 1 || code != Change || sid != 42 || prio != 20 || cnt != 2 {
		t.Errorf("header mismatch: %d %v %d %d %d", reqID, code, sid, prio, cnt)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("payload mismatch: %q", buf)
	}
}

func TestSlotGrowsForLargePayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot")
	slot, err := OpenSlot(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	big := make([]byte, 3*slotInitialSize)
	for i := range big {
		big[i] = byte(i)
	}
	deadline := time.Now().Add(time.Second)
	if err := slot.Lock(shmsync.Write, deadline); err != nil {
		t.Fatal(err)
	}
	if err := slot.WriteEvent(1, Oper, 1, 0, 1, big); err != nil {
		t.Fatal(err)
	}
	got, err := slot.Payload()
	slot.Unlock(shmsync.Write)
	if err != nil || !bytes.Equal(got, big) {
		t.Fatalf("large payload lost: %v", err)
	}

	// The slot file itself grew past its initial size.
	info, _ := os.Stat(path)
	if info.Size() <= slotInitialSize {
		t.Error("slot file did not grow")
	}
}

func TestAwaitTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot")
	slot, err := OpenSlot(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	deadline := time.Now().Add(2 * time.Second)
	if err := slot.Lock(shmsync.Write, deadline); err != nil {
		t.Fatal(err)
	}
	if err := slot.WriteEvent(1, Change, 1, 0, 1, nil); err != nil {
		t.Fatal(err)
	}
	slot.Unlock(shmsync.Write)

	// A "subscriber" on a second mapping flips the event to Success.
	go func() {
		peer, err := OpenSlot(path, true)
		if err != nil {
			return
		}
		defer peer.Close()
		time.Sleep(30 * time.Millisecond)
		if err := peer.Lock(shmsync.Write, time.Now().Add(time.Second)); err != nil {
			return
		}
		if peer.DecrementSubs() == 0 {
			_ = peer.WriteEvent(1, Success, 1, 0, 0, nil)
		}
		peer.Unlock(shmsync.Write)
	}()

	final, err := slot.AwaitTerminal(Change, deadline)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final != Success {
		t.Errorf("expected Success, got %v", final)
	}
}

func TestAwaitTerminalTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot")
	slot, err := OpenSlot(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	if err := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := slot.WriteEvent(1, Change, 1, 0, 1, nil); err != nil {
		t.Fatal(err)
	}
	slot.Unlock(shmsync.Write)

	_, err = slot.AwaitTerminal(Change, time.Now().Add(50*time.Millisecond))
	if errcode.KindOf(err) != errcode.TimeOut {
		t.Errorf("expected TimeOut, got %v", err)
	}
}

func TestDismissStampsInFlightEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot")
	slot, err := OpenSlot(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	if err := slot.Lock(shmsync.Write, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := slot.WriteEvent(7, Change, 1, 10, 1, []byte("diff")); err != nil {
		t.Fatal(err)
	}
	slot.Unlock(shmsync.Write)

	if err := Dismiss(path, true); err != nil {
		t.Fatal(err)
	}
	// The originator observes the terminal state instead of blocking.
	final, err := slot.AwaitTerminal(Change, time.Now().Add(time.Second))
	if err != nil || final != Success {
		t.Errorf("expected Success after dismissal, got %v, %v", final, err)
	}
}

func TestEvpipeKickAndDrain(t *testing.T) {
	paths := testPaths(t)
	const num = 3

	if err := CreateEvpipe(paths, num); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := CreateEvpipe(paths, num); err != nil {
		t.Fatal(err)
	}

	f, err := OpenEvpipeRead(paths, num)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := Kick(paths, num); err != nil {
		t.Fatal(err)
	}
	var buf [8]byte
	n, err := f.Read(buf[:])
	if err != nil || n != 1 {
		t.Errorf("expected one token, got %d, %v", n, err)
	}
	Drain(f)

	// Kicking a pipe with no reader is not an error.
	f.Close()
	RemoveEvpipe(paths, num)
	if err := Kick(paths, num); err != nil {
		t.Errorf("kick of a dead pipe must be silent: %v", err)
	}
}

func TestRelevantSubsDisjointness(t *testing.T) {
	diff := []*yang.Node{{Name: "cfg", Module: "m", Kind: yang.KindContainer, Op: yang.OpNone}}
	subs := []struct {
		xpath string
		want  bool
	}{
		{"", true},
		{"/m:cfg", true},
		{"/m:cfg/x", true},
		{"/m:other", false},
		{"/n:cfg", false},
	}
	for _, tt := range subs {
		got := relevantSubs([]shmreg.ChangeSubDef{{XPath: tt.xpath}}, diff)
		if (len(got) == 1) != tt.want {
			t.Errorf("xpath %q: relevant=%v, want %v", tt.xpath, len(got) == 1, tt.want)
		}
	}
}
