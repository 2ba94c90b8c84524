package datastore

import (
	"os"

	"yangvault/internal/config"
	"yangvault/internal/errcode"
	"yangvault/internal/format"
	"yangvault/internal/yang"
)

// Stored operational diff: edits pushed into the operational datastore
// survive in the module's .operational file as a diff over running. Every
// node carries the CID of the connection that contributed it, so the
// recovery sweep can surgically drop a dead connection's share.

// LoadOperDiff reads a module's stored operational diff.
func LoadOperDiff(paths config.Paths, module string) ([]*yang.Node, error) {
	buf, err := os.ReadFile(paths.OperDiffPath(module))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, sysErr(err, paths.OperDiffPath(module))
	}
	forest, err := yang.DecodeForest(format.TypeOperDiff, buf)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "decode operational diff of %q", module)
	}
	return forest, nil
}

// SaveOperDiff atomically replaces a module's stored operational diff;
// an empty diff removes the file.
func SaveOperDiff(paths config.Paths, module string, diff []*yang.Node) error {
	if len(diff) == 0 {
		err := os.Remove(paths.OperDiffPath(module))
		if err != nil && !os.IsNotExist(err) {
			return sysErr(err, paths.OperDiffPath(module))
		}
		return nil
	}
	buf, err := yang.EncodeForest(format.TypeOperDiff, diff)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "encode operational diff of %q", module)
	}
	return writeAtomic(paths.OperDiffPath(module), buf)
}

// MergeOperDiff folds a new diff, tagged with the contributing CID, into
// the stored one.
func MergeOperDiff(paths config.Paths, module string, diff []*yang.Node, cid uint32) error {
	tagged := yang.CopyForest(diff)
	tagCID(tagged, cid)
	stored, err := LoadOperDiff(paths, module)
	if err != nil {
		return err
	}
	return SaveOperDiff(paths, module, yang.MergeDiff(stored, tagged))
}

// PruneOperDiffCID removes one connection's contributions from the
// stored diff. Parent anchors whose children all disappear go with them.
func PruneOperDiffCID(paths config.Paths, module string, cid uint32) error {
	stored, err := LoadOperDiff(paths, module)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	pruned := pruneCID(stored, cid)
	return SaveOperDiff(paths, module, pruned)
}

func tagCID(forest []*yang.Node, cid uint32) {
	for _, n := range forest {
		n.CID = cid
		tagCID(n.Children, cid)
	}
}

func pruneCID(forest []*yang.Node, cid uint32) []*yang.Node {
	var kept []*yang.Node
	for _, n := range forest {
		n.Children = pruneCID(n.Children, cid)
		if n.CID == cid && len(n.Children) == 0 {
			continue
		}
		if n.CID == cid {
			// Keep the anchor for surviving children, demoted to none.
			n.Op = yang.OpNone
		}
		kept = append(kept, n)
	}
	return kept
}
