package modinfo

import (
	"testing"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/conn"
	"yangvault/internal/datastore"
	"yangvault/internal/errcode"
	"yangvault/internal/notiflog"
	"yangvault/internal/shmreg"
	"yangvault/internal/yang"
)

// testSchema compiles the schema context shared by the tests: module M
// with a config container and a state subtree.
func testSchema() *yang.Context {
	ctx := yang.NewContext()
	_ = ctx.AddModule(&yang.Module{
		Name: "M",
		Nodes: map[string]*yang.SchemaNode{
			"cfg": {
				Name: "cfg", Kind: yang.KindContainer, Config: true,
				Children: map[string]*yang.SchemaNode{
					"x": {Name: "x", Kind: yang.KindLeaf, Type: yang.TypeString, Config: true},
					"timeout": {Name: "timeout", Kind: yang.KindLeaf, Type: yang.TypeUint,
						Config: true, Default: "30"},
				},
			},
			"x": {Name: "x", Kind: yang.KindLeaf, Type: yang.TypeString, Config: true},
			"state": {
				Name: "state", Kind: yang.KindContainer, Config: false,
				Children: map[string]*yang.SchemaNode{
					"counter": {Name: "counter", Kind: yang.KindLeaf, Type: yang.TypeUint, Config: false},
				},
			},
		},
	})
	return ctx
}

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

// setupEngine connects and installs module M.
func setupEngine(t *testing.T, paths config.Paths, opts config.ConnOptions) (*Engine, *conn.Conn) {
	t.Helper()
	c, err := conn.Connect(paths, testSchema(), opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Disconnect() })

	if _, err := c.Reg.FindMod("M"); err != nil {
		st, err := c.Reg.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		st.Mods = append(st.Mods, shmreg.ModuleDef{Name: "M", Revision: "2024-01-01", Replay: true})
		if err := c.Reg.Rebuild(st); err != nil {
			t.Fatal(err)
		}
	}
	nlog := notiflog.New(paths, notiflog.AlgoZstd, nil)
	return New(c, nlog, nil), c
}

func leafEdit(value string) []*yang.Node {
	return []*yang.Node{{
		Name: "x", Module: "M", Kind: yang.KindLeaf, Value: value, Op: yang.OpMerge,
	}}
}

// Scenario: single-writer commit observed by a second connection.
func TestSingleWriterCommit(t *testing.T) {
	paths := testPaths(t)
	engA, _ := setupEngine(t, paths, 0)
	engB, connB := setupEngine(t, paths, config.CacheRunning)

	sesA := engA.Conn.NewSession("alice")
	sesA.SetEdit(leafEdit("hi"))
	if err := engA.ApplyChanges(sesA, yang.OpMerge, false); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(sesA.Diff()) == 0 {
		t.Error("session diff not recorded")
	}

	sesB := connB.NewSession("bob")
	got, err := engB.GetData(sesB, "/M:x", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].Value != "hi" {
		t.Fatalf("read back %+v", got)
	}

	// B's cache is coherent with the post-commit version.
	modB, err := connB.Reg.FindMod("M")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := connB.Cache.Get("M", modB.Ver()); !ok {
		t.Error("cache version does not match post-commit version")
	}

	// Version strictly increases on each commit.
	before := modB.Ver()
	sesA.SetEdit(leafEdit("again"))
	if err := engA.ApplyChanges(sesA, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}
	if modB.Ver() <= before {
		t.Errorf("version did not increase: %d -> %d", before, modB.Ver())
	}
}

func TestApplyRollsBackOnValidationFailure(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)
	ses := eng.Conn.NewSession("alice")

	// Unknown node fails validation; nothing may persist.
	ses.SetEdit([]*yang.Node{{Name: "bogus", Module: "M", Kind: yang.KindLeaf, Op: yang.OpMerge}})
	err := eng.ApplyChanges(ses, yang.OpMerge, false)
	if errcode.KindOf(err) != errcode.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if datastore.Exists(paths, "M", config.Running) {
		t.Error("failed apply persisted data")
	}
	// The pending edit survives a failed apply for inspection.
	if len(ses.Edit()) == 0 {
		t.Error("edit discarded on failure")
	}
}

func TestStateDataRejectedInConventional(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)
	ses := eng.Conn.NewSession("alice")

	ses.SetEdit([]*yang.Node{{
		Name: "state", Module: "M", Kind: yang.KindContainer, Op: yang.OpMerge,
		Children: []*yang.Node{{Name: "counter", Module: "M", Kind: yang.KindLeaf, Value: "1"}},
	}})
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); errcode.KindOf(err) != errcode.ValidationFailed {
		t.Errorf("expected ValidationFailed for state data, got %v", err)
	}
}

func TestDefaultsMaterializedOnRead(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)
	ses := eng.Conn.NewSession("alice")

	ses.SetEdit([]*yang.Node{{
		Name: "cfg", Module: "M", Kind: yang.KindContainer, Op: yang.OpMerge,
		Children: []*yang.Node{{Name: "x", Module: "M", Kind: yang.KindLeaf, Value: "v"}},
	}})
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}
	got, err := eng.GetData(ses, "/M:cfg/timeout", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != "30" || !got[0].Default {
		t.Errorf("default not materialized: %+v", got)
	}
}

func TestCandidateFallbackAndReset(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)
	ses := eng.Conn.NewSession("alice")

	// Running gets a value; candidate mirrors it.
	ses.SetEdit(leafEdit("from-running"))
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}
	ses.SwitchDS(config.Candidate)
	got, err := eng.GetData(ses, "/M:x", 0)
	if err != nil || len(got) != 1 || got[0].Value != "from-running" {
		t.Fatalf("candidate fallback: %+v, %v", got, err)
	}

	// Candidate diverges.
	ses.SetEdit(leafEdit("draft"))
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}
	got, _ = eng.GetData(ses, "/M:x", 0)
	if len(got) != 1 || got[0].Value != "draft" {
		t.Fatalf("candidate edit lost: %+v", got)
	}
	// Running unchanged.
	ses.SwitchDS(config.Running)
	got, _ = eng.GetData(ses, "/M:x", 0)
	if len(got) != 1 || got[0].Value != "from-running" {
		t.Fatalf("running polluted by candidate: %+v", got)
	}

	// A running commit resets the candidate.
	ses.SetEdit(leafEdit("second"))
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}
	ses.SwitchDS(config.Candidate)
	got, _ = eng.GetData(ses, "/M:x", 0)
	if len(got) != 1 || got[0].Value != "second" {
		t.Fatalf("candidate not reset by running commit: %+v", got)
	}
}

func TestDatastoreLockBlocksOtherSessions(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)

	holder := eng.Conn.NewSession("holder")
	other := eng.Conn.NewSession("other")

	if err := eng.LockDS(holder, "M"); err != nil {
		t.Fatal(err)
	}
	// The holder itself may write.
	holder.SetEdit(leafEdit("mine"))
	if err := eng.ApplyChanges(holder, yang.OpMerge, false); err != nil {
		t.Fatalf("holder write: %v", err)
	}
	// Another session is blocked.
	other.SetEdit(leafEdit("theirs"))
	if err := eng.ApplyChanges(other, yang.OpMerge, false); errcode.KindOf(err) != errcode.LockFailed {
		t.Fatalf("expected LockFailed, got %v", err)
	}
	// A second lock attempt fails too.
	if err := eng.LockDS(other, "M"); errcode.KindOf(err) != errcode.LockFailed {
		t.Fatalf("expected LockFailed on relock, got %v", err)
	}

	if err := eng.UnlockDS(holder, "M"); err != nil {
		t.Fatal(err)
	}
	other.SetEdit(leafEdit("theirs"))
	if err := eng.ApplyChanges(other, yang.OpMerge, false); err != nil {
		t.Fatalf("write after unlock: %v", err)
	}
}

func TestPushOperEdit(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)
	ses := eng.Conn.NewSession("alice")

	// Config in running.
	ses.SetEdit(leafEdit("config"))
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}

	// State pushed into operational lands in the stored diff.
	ses.SwitchDS(config.Operational)
	ses.SetEdit([]*yang.Node{{
		Name: "state", Module: "M", Kind: yang.KindContainer, Op: yang.OpMerge,
		Children: []*yang.Node{{Name: "counter", Module: "M", Kind: yang.KindLeaf, Value: "7"}},
	}})
	if err := eng.ApplyChanges(ses, yang.OpMerge, false); err != nil {
		t.Fatal(err)
	}

	stored, err := datastore.LoadOperDiff(paths, "M")
	if err != nil || len(stored) == 0 {
		t.Fatalf("stored oper diff missing: %v", err)
	}
	if stored[0].CID != eng.Conn.CID {
		t.Errorf("oper diff not CID-tagged: %+v", stored[0])
	}

	// An operational read sees config and pushed state together.
	got, err := eng.GetData(ses, "/M:*", 0)
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]bool{}
	for _, n := range got {
		values[n.Name] = true
	}
	if !values["x"] || !values["state"] {
		t.Errorf("operational view incomplete: %+v", values)
	}

	// OperNoStored hides the pushed data.
	got, err = eng.GetData(ses, "/M:state", config.OperNoStored)
	if err == nil {
		for _, n := range got {
			if n.Name == "state" && len(n.Children) > 0 && !n.Default {
				t.Errorf("stored diff leaked past OperNoStored: %+v", n)
			}
		}
	}
}

func TestNotifReplayLog(t *testing.T) {
	paths := testPaths(t)
	eng, _ := setupEngine(t, paths, 0)
	ses := eng.Conn.NewSession("alice")

	tree := []*yang.Node{{Name: "alarm", Module: "M", Kind: yang.KindContainer}}
	ts := time.Now().Truncate(time.Second)
	if err := eng.SendNotif(ses, "M", tree, ts); err != nil {
		t.Fatal(err)
	}

	recs, err := eng.NLog.Replay("M", ts.Add(-time.Second), time.Time{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("notification not logged for replay: %d, %v", len(recs), err)
	}
	if !yang.Equal(recs[0].Tree, tree) {
		t.Error("logged notification differs")
	}
}
