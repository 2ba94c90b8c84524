// Package yang is the boundary to the YANG schema/data world. It carries
// the minimal schema model, data trees, NETCONF-style edit application,
// forward/reverse diffs, default materialization, and the binary tree
// codec the datastore files use.
//
// The engine treats this package as a black box: everything above it works
// with opaque forests of *Node and never inspects schema details.
package yang

import (
	"errors"
	"fmt"
	"strings"
)

// Step is one path segment. Module is set when the segment was
// module-qualified ("/mod:name"); unqualified segments inherit the module
// of the previous step. Name "*" matches any node. Preds are list-key
// predicates.
type Step struct {
	Module string
	Name   string
	Preds  map[string]string
}

// Path is a parsed absolute data path.
type Path struct {
	Steps []Step
}

var ErrBadPath = errors.New("malformed path")

// ParsePath parses "/mod:container/list[key='val']/leaf". The first step
// must be module-qualified. "*" is allowed as a name.
func ParsePath(s string) (Path, error) {
	if s == "" || s[0] != '/' {
		return Path{}, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	var p Path
	module := ""
	for _, seg := range splitSegments(s[1:]) {
		if seg == "" {
			return Path{}, fmt.Errorf("%w: empty segment in %q", ErrBadPath, s)
		}
		name := seg
		preds := map[string]string(nil)
		if i := strings.IndexByte(seg, '['); i >= 0 {
			var err error
			preds, err = parsePreds(seg[i:])
			if err != nil {
				return Path{}, fmt.Errorf("%w: %q: %v", ErrBadPath, s, err)
			}
			name = seg[:i]
		}
		if i := strings.IndexByte(name, ':'); i >= 0 {
			module = name[:i]
			name = name[i+1:]
		}
		if name == "" || module == "" {
			return Path{}, fmt.Errorf("%w: %q", ErrBadPath, s)
		}
		p.Steps = append(p.Steps, Step{Module: module, Name: name, Preds: preds})
	}
	if len(p.Steps) == 0 {
		return Path{}, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	return p, nil
}

// splitSegments splits on '/' outside predicate brackets.
func splitSegments(s string) []string {
	var segs []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '/':
			if depth == 0 {
				segs = append(segs, s[start:i])
				start = i + 1
			}
		}
	}
	return append(segs, s[start:])
}

func parsePreds(s string) (map[string]string, error) {
	preds := make(map[string]string)
	for len(s) > 0 {
		if s[0] != '[' {
			return nil, errors.New("expected '['")
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, errors.New("unterminated predicate")
		}
		body := s[1:end]
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			return nil, errors.New("predicate without '='")
		}
		key := strings.TrimSpace(body[:eq])
		val := strings.TrimSpace(body[eq+1:])
		if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		if key == "" {
			return nil, errors.New("empty predicate key")
		}
		preds[key] = val
		s = s[end+1:]
	}
	return preds, nil
}

// String renders the path back to its textual form. Module prefixes are
// emitted on every module change.
func (p Path) String() string {
	var b strings.Builder
	module := ""
	for _, st := range p.Steps {
		b.WriteByte('/')
		if st.Module != module {
			b.WriteString(st.Module)
			b.WriteByte(':')
			module = st.Module
		}
		b.WriteString(st.Name)
		for _, k := range sortedKeys(st.Preds) {
			fmt.Fprintf(&b, "[%s='%s']", k, st.Preds[k])
		}
	}
	return b.String()
}

// FirstModule returns the module of the leading step.
func (p Path) FirstModule() string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[0].Module
}

// stepMatches reports whether a path step accepts a node step.
func stepMatches(pat, node Step) bool {
	if pat.Module != node.Module && pat.Name != "*" {
		return false
	}
	if pat.Name != "*" && pat.Name != node.Name {
		return false
	}
	for k, v := range pat.Preds {
		if nv, ok := node.Preds[k]; !ok || nv != v {
			return false
		}
	}
	return true
}

// Disjoint reports whether the two paths can be statically shown to select
// non-overlapping subtrees: at some step both fix different names (or the
// same list with contradicting key predicates). Wildcards overlap with
// everything at their step.
func (p Path) Disjoint(q Path) bool {
	n := min(len(p.Steps), len(q.Steps))
	for i := 0; i < n; i++ {
		a, b := p.Steps[i], q.Steps[i]
		if a.Name == "*" || b.Name == "*" {
			continue
		}
		if a.Module != b.Module || a.Name != b.Name {
			return true
		}
		for k, av := range a.Preds {
			if bv, ok := b.Preds[k]; ok && av != bv {
				return true
			}
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
