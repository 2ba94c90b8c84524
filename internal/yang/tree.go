package yang

import (
	"sort"
	"strings"
)

// Kind classifies a data node.
type Kind byte

const (
	KindContainer Kind = iota
	KindList
	KindLeaf
	KindLeafList
)

// Op is a NETCONF edit or diff operation tag. The zero value means "no
// operation" (plain data node). Edit trees use the full set; diff trees
// use OpCreate, OpDelete, OpReplace and OpNone only.
type Op byte

const (
	OpUnset Op = iota
	OpMerge
	OpCreate
	OpReplace
	OpDelete
	OpRemove
	OpEther
	OpNone
	OpPurge
)

var opNames = [...]string{"", "merge", "create", "replace", "delete", "remove", "ether", "none", "purge"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "op?"
}

// ParseOp maps an operation name to its tag.
func ParseOp(s string) (Op, bool) {
	for i, n := range opNames[1:] {
		if n == s {
			return Op(i + 1), true
		}
	}
	return OpUnset, false
}

// Node is a data-tree node. One type serves plain data, edit trees
// (Op set) and diff trees (Op plus PrevValue/PrevDefault), mirroring how
// the schema library attaches operation metadata to ordinary nodes.
type Node struct {
	Name   string            `msgpack:"n"`
	Module string            `msgpack:"m,omitempty"`
	Kind   Kind              `msgpack:"k"`
	Value  string            `msgpack:"v,omitempty"`
	Keys   map[string]string `msgpack:"y,omitempty"`

	Default bool   `msgpack:"d,omitempty"`
	Origin  string `msgpack:"o,omitempty"`
	// CID tags stored operational-diff nodes with the connection that
	// contributed them, so recovery can delete one connection's share.
	CID uint32 `msgpack:"i,omitempty"`

	Op          Op     `msgpack:"p,omitempty"`
	PrevValue   string `msgpack:"w,omitempty"`
	PrevDefault bool   `msgpack:"x,omitempty"`

	Children []*Node `msgpack:"c,omitempty"`
}

// step renders the node as a path step for matching.
func (n *Node) step() Step {
	return Step{Module: n.Module, Name: n.Name, Preds: n.Keys}
}

// identity is the child-uniqueness key: module, name and sorted list keys.
func (n *Node) identity() string {
	var b strings.Builder
	b.WriteString(n.Module)
	b.WriteByte(':')
	b.WriteString(n.Name)
	for _, k := range sortedKeys(n.Keys) {
		b.WriteByte('[')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(n.Keys[k])
		b.WriteByte(']')
	}
	if n.Kind == KindLeafList {
		b.WriteByte('=')
		b.WriteString(n.Value)
	}
	return b.String()
}

// Copy deep-copies the node and its subtree.
func (n *Node) Copy() *Node {
	dup := *n
	if n.Keys != nil {
		dup.Keys = make(map[string]string, len(n.Keys))
		for k, v := range n.Keys {
			dup.Keys[k] = v
		}
	}
	dup.Children = CopyForest(n.Children)
	return &dup
}

// CopyForest deep-copies a forest.
func CopyForest(forest []*Node) []*Node {
	if forest == nil {
		return nil
	}
	dup := make([]*Node, len(forest))
	for i, n := range forest {
		dup[i] = n.Copy()
	}
	return dup
}

// findChild locates the child with the same identity.
func findChild(forest []*Node, want *Node) (int, *Node) {
	id := want.identity()
	for i, c := range forest {
		if c.identity() == id {
			return i, c
		}
	}
	return -1, nil
}

// Find returns all nodes selected by path within the forest.
func Find(forest []*Node, path Path) []*Node {
	cur := forest
	var matched []*Node
	for i, st := range path.Steps {
		matched = matched[:0]
		for _, n := range cur {
			if stepMatches(st, n.step()) {
				matched = append(matched, n)
			}
		}
		if len(matched) == 0 {
			return nil
		}
		if i == len(path.Steps)-1 {
			out := make([]*Node, len(matched))
			copy(out, matched)
			return out
		}
		var next []*Node
		for _, n := range matched {
			next = append(next, n.Children...)
		}
		cur = next
	}
	return nil
}

// FindFirst returns the first node selected by path, or nil.
func FindFirst(forest []*Node, path Path) *Node {
	nodes := Find(forest, path)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// Canonicalize sorts every level of the forest by node identity, in place.
func Canonicalize(forest []*Node) {
	sort.SliceStable(forest, func(i, j int) bool {
		return forest[i].identity() < forest[j].identity()
	})
	for _, n := range forest {
		Canonicalize(n.Children)
	}
}

// Equal reports deep equality of two forests modulo child order, ignoring
// operation tags and origins.
func Equal(a, b []*Node) bool {
	if len(a) != len(b) {
		return false
	}
	ca, cb := CopyForest(a), CopyForest(b)
	Canonicalize(ca)
	Canonicalize(cb)
	for i := range ca {
		if !nodeEqual(ca[i], cb[i]) {
			return false
		}
	}
	return true
}

func nodeEqual(a, b *Node) bool {
	if a.identity() != b.identity() || a.Kind != b.Kind || a.Value != b.Value {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !nodeEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// Merge merges src into dst (dst wins nothing: src values overwrite).
// Returns the merged forest.
func Merge(dst, src []*Node) []*Node {
	for _, s := range src {
		if i, d := findChild(dst, s); d != nil {
			d.Value = s.Value
			d.Default = s.Default && d.Default
			if s.Origin != "" {
				d.Origin = s.Origin
			}
			d.Children = Merge(d.Children, s.Children)
			dst[i] = d
		} else {
			dst = append(dst, s.Copy())
		}
	}
	return dst
}

// ModulesOf returns the distinct owning modules of the forest's roots, in
// first-seen order.
func ModulesOf(forest []*Node) []string {
	var mods []string
	seen := make(map[string]bool)
	for _, n := range forest {
		if !seen[n.Module] {
			seen[n.Module] = true
			mods = append(mods, n.Module)
		}
	}
	return mods
}

// FilterModule returns the roots owned by the given module.
func FilterModule(forest []*Node, module string) []*Node {
	var out []*Node
	for _, n := range forest {
		if n.Module == module {
			out = append(out, n)
		}
	}
	return out
}
