package yang

import (
	"fmt"
	"strconv"

	"yangvault/internal/errcode"
)

// LeafType is the value type of a leaf or leaf-list.
type LeafType byte

const (
	TypeString LeafType = iota
	TypeInt
	TypeUint
	TypeBool
	TypeDecimal
	TypeEnum
	TypeEmpty
)

// SchemaNode describes one schema tree node of a module.
type SchemaNode struct {
	Name      string
	Kind      Kind
	Type      LeafType
	Config    bool // false marks state (operational-only) data
	Mandatory bool
	Presence  bool // presence container; others are NP containers
	Default   string
	Enums     []string
	KeyNames  []string // list key leaf names
	IfFeature string   // node exists only when this feature is enabled
	Children  map[string]*SchemaNode
}

// DataDep is a cross-module data dependency (leafref or instance-identifier).
type DataDep struct {
	Module string // target module
	XPath  string // node carrying the dependency
	InstID bool
}

// OpDep carries the input/output dependencies of one RPC/action or
// notification.
type OpDep struct {
	Path    string // operation path, e.g. "/mod:reset"
	Notif   bool
	InDeps  []string // modules the input references
	OutDeps []string // modules the output references
}

// Module is a compiled schema module.
type Module struct {
	Name          string
	Revision      string
	Features      []string // features enabled at install time
	Nodes         map[string]*SchemaNode
	DataDeps      []DataDep
	InvDataDeps   []string // modules that depend on this one
	OpDeps        []OpDep
	ReplaySupport bool
}

// FeatureEnabled reports whether the module has the feature enabled.
func (m *Module) FeatureEnabled(name string) bool {
	for _, f := range m.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Context is the schema context: the set of compiled modules the process
// works with. It is built once at connect time and read-only afterwards.
type Context struct {
	mods map[string]*Module
}

// NewContext creates an empty schema context.
func NewContext() *Context {
	return &Context{mods: make(map[string]*Module)}
}

// AddModule registers a compiled module.
func (c *Context) AddModule(m *Module) error {
	if _, ok := c.mods[m.Name]; ok {
		return errcode.New(errcode.Exists, "module %q already in context", m.Name)
	}
	c.mods[m.Name] = m
	return nil
}

// Module returns a module by name, or nil.
func (c *Context) Module(name string) *Module { return c.mods[name] }

// Modules returns every module in the context.
func (c *Context) Modules() []*Module {
	out := make([]*Module, 0, len(c.mods))
	for _, m := range c.mods {
		out = append(out, m)
	}
	return out
}

// schemaFor resolves the schema node for a data node under parent schema
// children (or module top level). Feature-disabled nodes resolve to nil.
func schemaFor(m *Module, parent *SchemaNode, n *Node) *SchemaNode {
	var children map[string]*SchemaNode
	if parent == nil {
		children = m.Nodes
	} else {
		children = parent.Children
	}
	sn := children[n.Name]
	if sn != nil && sn.IfFeature != "" && !m.FeatureEnabled(sn.IfFeature) {
		return nil
	}
	return sn
}

// Validate checks a module's data forest against its schema.
// In conventional datastores state data (config false) is rejected.
// Returns a ValidationFailed error naming the offending node.
func (c *Context) Validate(forest []*Node, module string, conventional bool) error {
	m := c.mods[module]
	if m == nil {
		return errcode.New(errcode.NotFound, "module %q not in context", module)
	}
	data := FilterModule(forest, module)
	if err := validateLevel(m, nil, data, conventional, "/"+module+":"); err != nil {
		return err
	}
	return validateMandatory(m, nil, data, "/"+module+":")
}

func validateLevel(m *Module, parent *SchemaNode, nodes []*Node, conventional bool, prefix string) error {
	for _, n := range nodes {
		path := prefix + n.Name
		sn := schemaFor(m, parent, n)
		if sn == nil {
			return errcode.New(errcode.ValidationFailed, "unknown node").WithXPath(path)
		}
		if conventional && !sn.Config {
			return errcode.New(errcode.ValidationFailed, "state data in conventional datastore").WithXPath(path)
		}
		if sn.Kind != n.Kind {
			return errcode.New(errcode.ValidationFailed, "node kind mismatch").WithXPath(path)
		}
		switch n.Kind {
		case KindLeaf, KindLeafList:
			if err := checkValue(sn.Type, sn.Enums, n.Value); err != nil {
				return errcode.Wrap(errcode.ValidationFailed, err, "bad value %q", n.Value).WithXPath(path)
			}
		case KindList:
			for _, key := range sn.KeyNames {
				if _, ok := n.Keys[key]; !ok {
					return errcode.New(errcode.ValidationFailed, "missing list key %q", key).WithXPath(path)
				}
			}
		}
		if err := validateLevel(m, sn, n.Children, conventional, path+"/"); err != nil {
			return err
		}
	}
	return nil
}

// validateMandatory checks mandatory leaves under present containers.
func validateMandatory(m *Module, parent *SchemaNode, nodes []*Node, prefix string) error {
	var children map[string]*SchemaNode
	if parent == nil {
		children = m.Nodes
	} else {
		children = parent.Children
	}
	for name, sn := range children {
		if sn.IfFeature != "" && !m.FeatureEnabled(sn.IfFeature) {
			continue
		}
		if !sn.Mandatory {
			continue
		}
		found := false
		for _, n := range nodes {
			if n.Name == name {
				found = true
				break
			}
		}
		// Top-level mandatory nodes must always exist; nested ones only
		// under a parent that has at least one child (an empty container
		// is not checked).
		if !found && (parent == nil || len(nodes) > 0) {
			return errcode.New(errcode.ValidationFailed, "missing mandatory node").WithXPath(prefix + name)
		}
	}
	for _, n := range nodes {
		sn := schemaFor(m, parent, n)
		if sn == nil {
			continue
		}
		if err := validateMandatory(m, sn, n.Children, prefix+n.Name+"/"); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(t LeafType, enums []string, v string) error {
	switch t {
	case TypeString:
		return nil
	case TypeInt:
		_, err := strconv.ParseInt(v, 10, 64)
		return err
	case TypeUint:
		_, err := strconv.ParseUint(v, 10, 64)
		return err
	case TypeBool:
		if v != "true" && v != "false" {
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	case TypeDecimal:
		_, err := strconv.ParseFloat(v, 64)
		return err
	case TypeEnum:
		for _, e := range enums {
			if e == v {
				return nil
			}
		}
		return fmt.Errorf("not an enum member: %q", v)
	case TypeEmpty:
		if v != "" {
			return fmt.Errorf("empty leaf with value %q", v)
		}
		return nil
	}
	return fmt.Errorf("unknown leaf type %d", t)
}

// FilterConfig prunes a module's forest by schema config-ness: dropState
// removes config-false subtrees, dropConfig removes config-true leaves
// (containers with surviving state children stay as scaffolding). Nodes
// of other modules and nodes without schema pass through untouched.
func (c *Context) FilterConfig(forest []*Node, module string, dropState, dropConfig bool) []*Node {
	m := c.mods[module]
	if m == nil || (!dropState && !dropConfig) {
		return forest
	}
	return filterConfigLevel(m, nil, forest, module, dropState, dropConfig)
}

func filterConfigLevel(m *Module, parent *SchemaNode, nodes []*Node, module string, dropState, dropConfig bool) []*Node {
	var kept []*Node
	for _, n := range nodes {
		if n.Module != module {
			kept = append(kept, n)
			continue
		}
		sn := schemaFor(m, parent, n)
		if sn == nil {
			kept = append(kept, n)
			continue
		}
		if dropState && !sn.Config {
			continue
		}
		n.Children = filterConfigLevel(m, sn, n.Children, module, dropState, dropConfig)
		if dropConfig && sn.Config && n.Kind != KindContainer && n.Kind != KindList {
			continue
		}
		if dropConfig && sn.Config && len(n.Children) == 0 {
			continue
		}
		kept = append(kept, n)
	}
	return kept
}

// AddDefaults materializes implicit default leaves (and, when withNP is
// set, non-presence containers) missing from the module's data. Added
// nodes carry Default=true. The returned forest holds a copy of every
// added node so the caller can mark the module changed and feed the
// additions into the diff.
func (c *Context) AddDefaults(forest *[]*Node, module string, withNP bool) []*Node {
	m := c.mods[module]
	if m == nil {
		return nil
	}
	return addDefaultsLevel(m, nil, forest, module, withNP)
}

func addDefaultsLevel(m *Module, parent *SchemaNode, forest *[]*Node, module string, withNP bool) []*Node {
	var children map[string]*SchemaNode
	if parent == nil {
		children = m.Nodes
	} else {
		children = parent.Children
	}
	var added []*Node
	for name, sn := range children {
		if sn.IfFeature != "" && !m.FeatureEnabled(sn.IfFeature) {
			continue
		}
		var present []*Node
		for _, n := range *forest {
			if n.Name == name && n.Module == module {
				present = append(present, n)
			}
		}
		if len(present) == 0 {
			switch {
			case sn.Kind == KindLeaf && sn.Default != "":
				n := &Node{Name: name, Module: module, Kind: KindLeaf, Value: sn.Default, Default: true}
				*forest = append(*forest, n)
				added = append(added, n.Copy())
			case sn.Kind == KindContainer && !sn.Presence && withNP:
				n := &Node{Name: name, Module: module, Kind: KindContainer, Default: true}
				*forest = append(*forest, n)
				present = append(present, n)
				added = append(added, n.Copy())
			}
		}
		for _, n := range present {
			if n.Kind == KindContainer || n.Kind == KindList {
				added = append(added, addDefaultsLevel(m, sn, &n.Children, module, withNP)...)
			}
		}
	}
	return added
}
