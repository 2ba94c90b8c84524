package yang

import (
	"yangvault/internal/errcode"
)

// Diff computes a forward diff turning forest a into forest b. The result
// is a diff forest: create/delete/replace tagged nodes with none anchors
// above them. Reverse values are embedded so the diff is invertible.
func Diff(a, b []*Node) []*Node {
	var diff []*Node
	matchedA := make(map[*Node]bool)
	for _, bn := range b {
		_, an := findChild(a, bn)
		if an == nil {
			d := bn.Copy()
			stripInPlace(d)
			d.Op = OpCreate
			diff = append(diff, d)
			continue
		}
		matchedA[an] = true
		if d := diffNodesMatched(an, bn); d != nil {
			diff = append(diff, d)
		}
	}
	for _, an := range a {
		if !matchedA[an] {
			if _, bn := findChild(b, an); bn == nil {
				diff = append(diff, deleteDiff(an))
			}
		}
	}
	return diff
}

// diffNodes diffs two subtrees with the same identity, treating nil as
// absent. Used by wholesale replace.
func diffNodes(old, upd *Node) *Node {
	if old == nil && upd == nil {
		return nil
	}
	if old == nil {
		d := upd.Copy()
		stripInPlace(d)
		d.Op = OpCreate
		return d
	}
	if upd == nil {
		return deleteDiff(old)
	}
	return diffNodesMatched(old, upd)
}

func diffNodesMatched(old, upd *Node) *Node {
	var d *Node
	if old.Kind == KindLeaf && old.Value != upd.Value {
		d = shallowCopy(upd)
		d.Op = OpReplace
		d.PrevValue = old.Value
		d.PrevDefault = old.Default
	}
	childDiff := Diff(old.Children, upd.Children)
	if len(childDiff) > 0 {
		if d == nil {
			d = shallowCopy(old)
			d.Op = OpNone
		}
		d.Children = childDiff
	}
	return d
}

// ApplyDiff applies a diff forest to data, returning the updated forest.
// Data is not mutated.
func ApplyDiff(data, diff []*Node) ([]*Node, error) {
	out := CopyForest(data)
	var err error
	out, err = applyDiffLevel(out, diff)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyDiffLevel(level, diff []*Node) ([]*Node, error) {
	for _, d := range diff {
		idx, match := findChild(level, d)
		path := "/" + d.Module + ":" + d.Name
		switch d.Op {
		case OpCreate:
			if match != nil {
				return nil, errcode.New(errcode.Exists, "diff create collides").WithXPath(path)
			}
			n := d.Copy()
			stripInPlace(n)
			level = append(level, n)

		case OpDelete:
			if match == nil {
				return nil, errcode.New(errcode.NotFound, "diff delete target missing").WithXPath(path)
			}
			level = append(level[:idx], level[idx+1:]...)

		case OpReplace:
			if match == nil {
				return nil, errcode.New(errcode.NotFound, "diff replace target missing").WithXPath(path)
			}
			match.Value = d.Value
			match.Default = d.Default
			var err error
			match.Children, err = applyDiffLevel(match.Children, d.Children)
			if err != nil {
				return nil, err
			}

		case OpNone:
			if match == nil {
				return nil, errcode.New(errcode.NotFound, "diff anchor missing").WithXPath(path)
			}
			var err error
			match.Children, err = applyDiffLevel(match.Children, d.Children)
			if err != nil {
				return nil, err
			}

		default:
			return nil, errcode.New(errcode.InvalArg, "bad diff operation %v", d.Op).WithXPath(path)
		}
	}
	return level, nil
}

// Reverse inverts a diff forest: applying Reverse(d) after d restores the
// original data.
func Reverse(diff []*Node) []*Node {
	out := make([]*Node, 0, len(diff))
	for _, d := range diff {
		out = append(out, reverseNode(d))
	}
	return out
}

func reverseNode(d *Node) *Node {
	r := d.Copy()
	switch d.Op {
	case OpCreate:
		r.Op = OpDelete
		r.PrevValue = d.Value
		r.PrevDefault = d.Default
	case OpDelete:
		r.Op = OpCreate
		r.PrevValue = ""
		r.PrevDefault = false
	case OpReplace:
		r.Value, r.PrevValue = d.PrevValue, d.Value
		r.Default, r.PrevDefault = d.PrevDefault, d.Default
	}
	for i, c := range d.Children {
		r.Children[i] = reverseNode(c)
	}
	return r
}

// MergeDiff merges a later diff into an earlier one so the result
// describes the combined change. Used when validator-emitted diffs and
// subscriber update-edits fold into the running diff.
func MergeDiff(into, from []*Node) []*Node {
	for _, f := range from {
		idx, match := findChild(into, f)
		if match == nil {
			into = append(into, f.Copy())
			continue
		}
		into[idx] = mergeDiffNode(match, f)
	}
	return into
}

func mergeDiffNode(first, second *Node) *Node {
	switch {
	case first.Op == OpCreate && second.Op == OpDelete:
		// Created then deleted: the pair cancels, but a merged diff must
		// keep a root; degrade to a childless none anchor the applier
		// treats as no-op if the node exists, otherwise callers drop it.
		r := shallowCopy(first)
		r.Op = OpNone
		return r
	case first.Op == OpCreate && second.Op == OpReplace:
		r := second.Copy()
		r.Op = OpCreate
		r.PrevValue = ""
		r.PrevDefault = false
		return r
	case first.Op == OpDelete && second.Op == OpCreate:
		r := second.Copy()
		r.Op = OpReplace
		r.PrevValue = first.PrevValue
		r.PrevDefault = first.PrevDefault
		return r
	case first.Op == OpReplace && second.Op == OpReplace:
		r := second.Copy()
		r.PrevValue = first.PrevValue
		r.PrevDefault = first.PrevDefault
		return r
	case second.Op == OpNone || first.Op == OpNone:
		r := first.Copy()
		if second.Op != OpNone {
			r.Op = second.Op
			r.Value = second.Value
			r.PrevValue = second.PrevValue
			r.PrevDefault = second.PrevDefault
		}
		r.Children = MergeDiff(r.Children, second.Children)
		return r
	}
	// Remaining combinations (delete+delete, create+create) indicate the
	// second diff was computed against stale data; last writer wins.
	return second.Copy()
}

// stripInPlace clears operation tags across a subtree.
func stripInPlace(n *Node) {
	n.Op = OpUnset
	n.PrevValue = ""
	n.PrevDefault = false
	for _, c := range n.Children {
		stripInPlace(c)
	}
}
