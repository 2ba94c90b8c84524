package conn

import (
	"time"

	"yangvault/internal/config"
	"yangvault/internal/datastore"
	"yangvault/internal/yang"
)

func zeroTime() time.Time { return time.Time{} }

func (c *Conn) pruneOperDiff(module string, cid uint32) error {
	return datastore.PruneOperDiffCID(c.Paths, module, cid)
}

// Session is a handle bound to a connection: the current datastore
// selection, originator identity, and per-datastore pending edits.
// A session belongs exclusively to the creating connection.
type Session struct {
	Conn *Conn
	SID  uint32
	User string
	DS   config.Datastore

	// Pending edits and the diffs of the last apply, per datastore.
	edits [config.DatastoreCount][]*yang.Node
	diffs [config.DatastoreCount][]*yang.Node

	// Last error info for the caller to inspect.
	LastErr error
}

// NewSession starts a session on the connection, initially selecting the
// running datastore.
func (c *Conn) NewSession(user string) *Session {
	return &Session{Conn: c, SID: c.Reg.NextSID(), User: user, DS: config.Running}
}

// SwitchDS changes the session's datastore selection.
func (s *Session) SwitchDS(ds config.Datastore) { s.DS = ds }

// Edit returns the pending edit for the selected datastore.
func (s *Session) Edit() []*yang.Node { return s.edits[s.DS] }

// SetEdit stages an edit forest for the selected datastore, replacing any
// pending one.
func (s *Session) SetEdit(edit []*yang.Node) { s.edits[s.DS] = edit }

// AppendEdit stages additional edit roots.
func (s *Session) AppendEdit(edit ...*yang.Node) {
	s.edits[s.DS] = append(s.edits[s.DS], edit...)
}

// DiscardEdit drops the pending edit for the selected datastore.
func (s *Session) DiscardEdit() { s.edits[s.DS] = nil }

// Diff returns the diff produced by the session's last applied change on
// the selected datastore.
func (s *Session) Diff() []*yang.Node { return s.diffs[s.DS] }

// SetDiff records the last applied diff.
func (s *Session) SetDiff(diff []*yang.Node) { s.diffs[s.DS] = diff }

// Close tears the session down, discarding pending edits.
func (s *Session) Close() {
	for i := range s.edits {
		s.edits[i] = nil
		s.diffs[i] = nil
	}
}
