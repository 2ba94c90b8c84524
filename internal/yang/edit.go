package yang

import (
	"yangvault/internal/errcode"
)

// ApplyEdit applies an edit forest to data, producing the updated forest
// and, when wantDiff is set, a forward diff describing the changes. The
// edit is a data forest with Op tags; untagged nodes inherit the parent
// operation, with defOp at the roots (OpMerge when unset).
//
// Operations follow NETCONF plus the local extensions:
//
//	merge    create missing nodes, overwrite leaf values
//	create   node must not exist
//	replace  replace the subtree wholesale
//	delete   node must exist, remove it
//	remove   remove if present
//	ether    anchor: descend if present, silently stop if missing
//	none     anchor: node must exist, no change to it
//	purge    remove every instance (all list/leaf-list entries)
//
// Data is not mutated; the result shares no nodes with the input.
func ApplyEdit(data, edit []*Node, defOp Op, wantDiff bool) ([]*Node, []*Node, error) {
	if defOp == OpUnset {
		defOp = OpMerge
	}
	out := CopyForest(data)
	var diff []*Node
	for _, e := range edit {
		var err error
		var d *Node
		out, d, err = applyNode(out, e, defOp, wantDiff)
		if err != nil {
			return nil, nil, err
		}
		if d != nil {
			diff = append(diff, d)
		}
	}
	return out, diff, nil
}

// applyNode applies one edit node to the forest level it belongs to.
// Returns the updated level and a diff node (nil when nothing changed).
func applyNode(level []*Node, e *Node, inherited Op, wantDiff bool) ([]*Node, *Node, error) {
	op := e.Op
	if op == OpUnset {
		op = inherited
	}
	path := "/" + e.Module + ":" + e.Name

	if op == OpPurge {
		return purgeNode(level, e, wantDiff)
	}

	idx, match := findChild(level, e)
	switch op {
	case OpCreate:
		if match != nil {
			return nil, nil, errcode.New(errcode.Exists, "node already exists").WithXPath(path)
		}
		return insertNode(level, e, op, wantDiff)

	case OpMerge:
		if match == nil {
			return insertNode(level, e, op, wantDiff)
		}
		return mutateNode(level, idx, match, e, op, wantDiff)

	case OpReplace:
		if match == nil {
			return insertNode(level, e, op, wantDiff)
		}
		// Wholesale subtree replacement: diff the old subtree against the
		// stripped edit subtree.
		repl := stripOps(e)
		var d *Node
		if wantDiff {
			d = diffNodes(match, repl)
		}
		level[idx] = repl
		return level, d, nil

	case OpDelete, OpRemove:
		if match == nil {
			if op == OpRemove {
				return level, nil, nil
			}
			return nil, nil, errcode.New(errcode.NotFound, "node to delete does not exist").WithXPath(path)
		}
		var d *Node
		if wantDiff {
			d = deleteDiff(match)
		}
		level = append(level[:idx], level[idx+1:]...)
		return level, d, nil

	case OpEther:
		if match == nil {
			return level, nil, nil
		}
		return mutateNode(level, idx, match, e, OpNone, wantDiff)

	case OpNone:
		if match == nil {
			return nil, nil, errcode.New(errcode.NotFound, "anchor node does not exist").WithXPath(path)
		}
		return mutateNode(level, idx, match, e, op, wantDiff)
	}
	return nil, nil, errcode.New(errcode.InvalArg, "unsupported edit operation %v", op).WithXPath(path)
}

// insertNode adds a copied, op-stripped subtree and produces a create diff.
func insertNode(level []*Node, e *Node, op Op, wantDiff bool) ([]*Node, *Node, error) {
	n := stripOps(e)
	level = append(level, n)
	if !wantDiff {
		return level, nil, nil
	}
	d := n.Copy()
	d.Op = OpCreate
	return level, d, nil
}

// mutateNode updates a matched node in place: leaf value for merge,
// recursion for containers/lists. op None never touches the node itself.
func mutateNode(level []*Node, idx int, match, e *Node, op Op, wantDiff bool) ([]*Node, *Node, error) {
	var d *Node
	if op == OpMerge && (match.Kind == KindLeaf) && match.Value != e.Value {
		if wantDiff {
			d = shallowCopy(match)
			d.Op = OpReplace
			d.PrevValue = match.Value
			d.PrevDefault = match.Default
			d.Value = e.Value
		}
		match.Value = e.Value
		match.Default = false
	}

	var childDiffs []*Node
	for _, ec := range e.Children {
		var err error
		var cd *Node
		match.Children, cd, err = applyNode(match.Children, ec, op, wantDiff)
		if err != nil {
			return nil, nil, err
		}
		if cd != nil {
			childDiffs = append(childDiffs, cd)
		}
	}
	if len(childDiffs) > 0 {
		if d == nil {
			d = shallowCopy(match)
			d.Op = OpNone
		}
		d.Children = childDiffs
	}
	level[idx] = match
	return level, d, nil
}

// purgeNode removes every instance of the named node regardless of keys
// or leaf-list value.
func purgeNode(level []*Node, e *Node, wantDiff bool) ([]*Node, *Node, error) {
	var kept []*Node
	var deleted []*Node
	for _, n := range level {
		if n.Name == e.Name && n.Module == e.Module {
			deleted = append(deleted, n)
			continue
		}
		kept = append(kept, n)
	}
	if len(deleted) == 0 || !wantDiff {
		return kept, nil, nil
	}
	if len(deleted) == 1 {
		return kept, deleteDiff(deleted[0]), nil
	}
	// Several instances: wrap the per-instance deletes under a none node
	// so the diff stays a single root.
	wrap := shallowCopy(deleted[0])
	wrap.Op = OpNone
	wrap.Keys = nil
	wrap.Value = ""
	for _, n := range deleted {
		wrap.Children = append(wrap.Children, deleteDiff(n))
	}
	return kept, wrap, nil
}

// stripOps deep-copies a subtree clearing every operation tag.
func stripOps(e *Node) *Node {
	n := e.Copy()
	stripInPlace(n)
	return n
}

func shallowCopy(n *Node) *Node {
	dup := *n
	dup.Children = nil
	if n.Keys != nil {
		dup.Keys = make(map[string]string, len(n.Keys))
		for k, v := range n.Keys {
			dup.Keys[k] = v
		}
	}
	return &dup
}

// deleteDiff builds a delete diff for a subtree, preserving prior values.
func deleteDiff(n *Node) *Node {
	d := n.Copy()
	d.Op = OpDelete
	d.PrevValue = n.Value
	d.PrevDefault = n.Default
	return d
}
