package modinfo

import (
	"sync"
	"testing"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/event"
	"yangvault/internal/listener"
	"yangvault/internal/yang"
)

// recorder captures callback deliveries for assertions.
type recorder struct {
	mu     sync.Mutex
	events []event.Code
	notify chan struct{}
}

func newRecorder() *recorder { return &recorder{notify: make(chan struct{}, 64)} }

func (r *recorder) record(code event.Code) {
	r.mu.Lock()
	r.events = append(r.events, code)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() []event.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Code, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) waitFor(t *testing.T, want event.Code) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, code := range r.snapshot() {
			if code == want {
				return
			}
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("never saw %v; got %v", want, r.snapshot())
		}
	}
}

// Scenario: two change subscribers at priorities 20 and 10. The higher
// priority sees Change first; both reply Success; the writer finishes
// and both see Done. With an erroring subscriber the writer returns
// CallbackFailed and subscribers see Abort.
func TestPriorityFanIn(t *testing.T) {
	paths := testPaths(t)
	engW, _ := setupEngine(t, paths, 0)
	engS, connS := setupEngine(t, paths, 0)

	ctx, err := listener.NewContext(connS, engS.NLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	var order []uint32
	var orderMu sync.Mutex
	recHigh, recLow := newRecorder(), newRecorder()

	makeCB := func(rec *recorder, prio uint32) listener.ChangeCallback {
		return func(module string, ds config.Datastore, code event.Code, diff []*yang.Node) ([]*yang.Node, error) {
			if code == event.Change {
				orderMu.Lock()
				order = append(order, prio)
				orderMu.Unlock()
			}
			rec.record(code)
			return nil, nil
		}
	}
	if err := ctx.SubscribeChange("M", config.Running, "", 20, 0, makeCB(recHigh, 20)); err != nil {
		t.Fatal(err)
	}
	if err := ctx.SubscribeChange("M", config.Running, "", 10, 0, makeCB(recLow, 10)); err != nil {
		t.Fatal(err)
	}

	ses := engW.Conn.NewSession("writer")
	ses.SetEdit(leafEdit("v1"))
	if err := engW.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatalf("apply with subscribers: %v", err)
	}

	recHigh.waitFor(t, event.Done)
	recLow.waitFor(t, event.Done)

	orderMu.Lock()
	if len(order) != 2 || order[0] != 20 || order[1] != 10 {
		t.Errorf("priority order wrong: %v", order)
	}
	orderMu.Unlock()
}

func TestChangeCallbackErrorAborts(t *testing.T) {
	paths := testPaths(t)
	engW, _ := setupEngine(t, paths, 0)
	engS, connS := setupEngine(t, paths, 0)

	ctx, err := listener.NewContext(connS, engS.NLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	rec := newRecorder()
	cb := func(module string, ds config.Datastore, code event.Code, diff []*yang.Node) ([]*yang.Node, error) {
		rec.record(code)
		if code == event.Change {
			return nil, errcode.New(errcode.OperationFailed, "refusing this change")
		}
		return nil, nil
	}
	if err := ctx.SubscribeChange("M", config.Running, "", 20, 0, cb); err != nil {
		t.Fatal(err)
	}

	ses := engW.Conn.NewSession("writer")
	ses.SetEdit(leafEdit("rejected"))
	err = engW.ApplyChanges(ses, yang.OpMerge, false)
	if errcode.KindOf(err) != errcode.CallbackFailed {
		t.Fatalf("expected CallbackFailed, got %v", err)
	}
	rec.waitFor(t, event.Abort)

	// The rejected change never persisted.
	got, gerr := engW.GetData(ses, "/M:x", 0)
	if gerr == nil && len(got) > 0 && got[0].Value == "rejected" {
		t.Error("rejected change persisted")
	}
}

func TestUpdateSubscriberAmendsEdit(t *testing.T) {
	paths := testPaths(t)
	engW, _ := setupEngine(t, paths, 0)
	engS, connS := setupEngine(t, paths, 0)

	ctx, err := listener.NewContext(connS, engS.NLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	cb := func(module string, ds config.Datastore, code event.Code, diff []*yang.Node) ([]*yang.Node, error) {
		if code == event.Update {
			// Amend: force a companion value alongside every change.
			return []*yang.Node{{
				Name: "cfg", Module: "M", Kind: yang.KindContainer, Op: yang.OpMerge,
				Children: []*yang.Node{{Name: "x", Module: "M", Kind: yang.KindLeaf, Value: "amended"}},
			}}, nil
		}
		return nil, nil
	}
	if err := ctx.SubscribeChange("M", config.Running, "", 5, config.SubUpdate, cb); err != nil {
		t.Fatal(err)
	}

	ses := engW.Conn.NewSession("writer")
	ses.SetEdit(leafEdit("original"))
	if err := engW.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}

	got, err := engW.GetData(ses, "/M:cfg/x", 0)
	if err != nil || len(got) != 1 || got[0].Value != "amended" {
		t.Fatalf("update edit not merged: %+v, %v", got, err)
	}
}

// Scenario: an operational provider supplies a counter; a disjoint read
// never invokes it.
func TestOperationalProvider(t *testing.T) {
	paths := testPaths(t)
	engR, _ := setupEngine(t, paths, 0)
	engS, connS := setupEngine(t, paths, 0)

	ctx, err := listener.NewContext(connS, engS.NLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	var invocations int
	var mu sync.Mutex
	provider := func(module, xpath, requestXPath string, parent []*yang.Node) ([]*yang.Node, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		return []*yang.Node{{
			Name: "state", Module: "M", Kind: yang.KindContainer,
			Children: []*yang.Node{{Name: "counter", Module: "M", Kind: yang.KindLeaf, Value: "42"}},
		}}, nil
	}
	if err := ctx.SubscribeOper("M", "/M:state/counter", 0, 0, provider); err != nil {
		t.Fatal(err)
	}

	// Seed config.
	ses := engR.Conn.NewSession("reader")
	ses.SetEdit(leafEdit("cfgval"))
	if err := engR.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}

	ses.SwitchDS(config.Operational)
	got, err := engR.GetData(ses, "/M:*", 0)
	if err != nil {
		t.Fatalf("operational read: %v", err)
	}
	var counter string
	var sawConfig bool
	for _, n := range got {
		if n.Name == "state" {
			for _, c := range n.Children {
				if c.Name == "counter" {
					counter = c.Value
				}
			}
		}
		if n.Name == "x" && n.Value == "cfgval" {
			sawConfig = true
		}
	}
	if counter != "42" {
		t.Errorf("provider value missing: %+v", got)
	}
	if !sawConfig {
		t.Error("config values missing from operational view")
	}

	mu.Lock()
	count := invocations
	mu.Unlock()
	if count == 0 {
		t.Fatal("provider never invoked")
	}

	// Disjoint read: provider not consulted again.
	if _, err := engR.GetData(ses, "/M:cfg", 0); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if invocations != count {
		t.Errorf("provider invoked for a disjoint request")
	}
	mu.Unlock()
}

func TestRpcChain(t *testing.T) {
	paths := testPaths(t)
	engC, _ := setupEngine(t, paths, 0)
	engS, connS := setupEngine(t, paths, 0)

	ctx, err := listener.NewContext(connS, engS.NLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	handler := func(opPath string, input []*yang.Node) ([]*yang.Node, error) {
		out := yang.CopyForest(input)
		out = append(out, &yang.Node{Name: "result", Module: "M", Kind: yang.KindLeaf, Value: "ok"})
		return out, nil
	}
	if err := ctx.SubscribeRpc("M", "/M:reset", 0, handler); err != nil {
		t.Fatal(err)
	}

	ses := engC.Conn.NewSession("caller")
	input := []*yang.Node{{Name: "delay", Module: "M", Kind: yang.KindLeaf, Value: "5"}}
	output, err := engC.SendRpc(ses, "/M:reset", input)
	if err != nil {
		t.Fatalf("rpc: %v", err)
	}
	found := false
	for _, n := range output {
		if n.Name == "result" && n.Value == "ok" {
			found = true
		}
	}
	if !found {
		t.Errorf("rpc output missing handler result: %+v", output)
	}

	// No subscriber: NotFound.
	if _, err := engC.SendRpc(ses, "/M:missing", nil); errcode.KindOf(err) != errcode.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

// Scenario: notification replay then live delivery.
func TestNotifReplayAndLive(t *testing.T) {
	paths := testPaths(t)
	engP, _ := setupEngine(t, paths, 0)
	engS, connS := setupEngine(t, paths, 0)

	ctx, err := listener.NewContext(connS, engS.NLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Close()

	// Log two notifications before anyone subscribes. The publisher and
	// subscriber share the notification log directory.
	ses := engP.Conn.NewSession("publisher")
	t0 := time.Now().Add(-10 * time.Second).Truncate(time.Second)
	for i, name := range []string{"first", "second"} {
		tree := []*yang.Node{{Name: name, Module: "M", Kind: yang.KindContainer}}
		if err := engP.SendNotif(ses, "M", tree, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	type delivery struct {
		kind listener.NotifKind
		name string
	}
	var mu sync.Mutex
	var deliveries []delivery
	gotLive := make(chan struct{}, 1)
	cb := func(module string, ts time.Time, tree []*yang.Node, kind listener.NotifKind) {
		mu.Lock()
		name := ""
		if len(tree) > 0 {
			name = tree[0].Name
		}
		deliveries = append(deliveries, delivery{kind, name})
		mu.Unlock()
		if kind == listener.NotifRealtime {
			select {
			case gotLive <- struct{}{}:
			default:
			}
		}
	}

	// engS's listener replays from its own log manager over the shared
	// notif directory.
	if _, err := ctx.SubscribeNotif("M", t0, time.Time{}, cb); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	if len(deliveries) < 3 ||
		deliveries[0] != (delivery{listener.NotifReplay, "first"}) ||
		deliveries[1] != (delivery{listener.NotifReplay, "second"}) ||
		deliveries[2].kind != listener.NotifReplayComplete {
		t.Fatalf("replay sequence wrong: %+v", deliveries)
	}
	mu.Unlock()

	// Live notification follows replay.
	live := []*yang.Node{{Name: "live", Module: "M", Kind: yang.KindContainer}}
	if err := engP.SendNotif(ses, "M", live, time.Now()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gotLive:
	case <-time.After(5 * time.Second):
		t.Fatal("live notification never delivered")
	}
}
