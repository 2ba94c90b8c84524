package yang

import (
	"testing"

	"yangvault/internal/errcode"
)

// testModule builds a small module: config container with typed leaves, a
// state subtree, a list, a defaulted leaf and a feature-gated leaf.
func testModule() *Module {
	return &Module{
		Name:     "m",
		Revision: "2024-01-01",
		Features: []string{"extras"},
		Nodes: map[string]*SchemaNode{
			"cfg": {
				Name: "cfg", Kind: KindContainer, Config: true,
				Children: map[string]*SchemaNode{
					"x":    {Name: "x", Kind: KindLeaf, Type: TypeString, Config: true},
					"port": {Name: "port", Kind: KindLeaf, Type: TypeUint, Config: true},
					"mode": {Name: "mode", Kind: KindLeaf, Type: TypeEnum, Enums: []string{"on", "off"}, Config: true},
					"timeout": {Name: "timeout", Kind: KindLeaf, Type: TypeUint, Config: true,
						Default: "30"},
					"extra": {Name: "extra", Kind: KindLeaf, Type: TypeString, Config: true,
						IfFeature: "extras"},
					"gated": {Name: "gated", Kind: KindLeaf, Type: TypeString, Config: true,
						IfFeature: "absent-feature"},
				},
			},
			"state": {
				Name: "state", Kind: KindContainer, Config: false,
				Children: map[string]*SchemaNode{
					"counter": {Name: "counter", Kind: KindLeaf, Type: TypeUint, Config: false},
				},
			},
			"l": {
				Name: "l", Kind: KindList, Config: true, KeyNames: []string{"k"},
				Children: map[string]*SchemaNode{
					"k": {Name: "k", Kind: KindLeaf, Type: TypeString, Config: true},
					"v": {Name: "v", Kind: KindLeaf, Type: TypeInt, Config: true},
				},
			},
		},
	}
}

func testContext(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	if err := ctx.AddModule(testModule()); err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestValidateAccepts(t *testing.T) {
	ctx := testContext(t)
	data := []*Node{container("m", "cfg",
		leaf("m", "x", "hello"),
		leaf("m", "port", "8080"),
		leaf("m", "mode", "on"),
	)}
	if err := ctx.Validate(data, "m", true); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	ctx := testContext(t)
	tests := []struct {
		name string
		data []*Node
	}{
		{"unknown node", []*Node{leaf("m", "nope", "v")}},
		{"bad uint", []*Node{container("m", "cfg", leaf("m", "port", "notanum"))}},
		{"bad enum", []*Node{container("m", "cfg", leaf("m", "mode", "sideways"))}},
		{"state in conventional", []*Node{container("m", "state", leaf("m", "counter", "1"))}},
		{"feature-disabled node", []*Node{container("m", "cfg", leaf("m", "gated", "v"))}},
		{"missing list key", []*Node{{Name: "l", Module: "m", Kind: KindList}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ctx.Validate(tt.data, "m", true)
			if errcode.KindOf(err) != errcode.ValidationFailed {
				t.Errorf("expected ValidationFailed, got %v", err)
			}
		})
	}
}

func TestValidateStateAllowedInOperational(t *testing.T) {
	ctx := testContext(t)
	data := []*Node{container("m", "state", leaf("m", "counter", "42"))}
	if err := ctx.Validate(data, "m", false); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateFeatureEnabledNode(t *testing.T) {
	ctx := testContext(t)
	data := []*Node{container("m", "cfg", leaf("m", "extra", "v"))}
	if err := ctx.Validate(data, "m", true); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAddDefaults(t *testing.T) {
	ctx := testContext(t)
	data := []*Node{container("m", "cfg", leaf("m", "x", "v"))}
	added := ctx.AddDefaults(&data, "m", false)

	n := FindFirst(data, mustPath(t, "/m:cfg/timeout"))
	if n == nil || n.Value != "30" || !n.Default {
		t.Fatalf("default not materialized: %+v", n)
	}
	if len(added) == 0 {
		t.Error("expected added nodes reported")
	}
	// Existing leaves are untouched.
	if FindFirst(data, mustPath(t, "/m:cfg/x")).Value != "v" {
		t.Error("existing value clobbered")
	}
}

func TestAddDefaultsNPContainers(t *testing.T) {
	ctx := testContext(t)
	var data []*Node
	ctx.AddDefaults(&data, "m", true)
	if FindFirst(data, mustPath(t, "/m:state")) == nil {
		t.Error("NP container not materialized for operational read")
	}
	// Default leaf inside the materialized container tree.
	if FindFirst(data, mustPath(t, "/m:cfg/timeout")) == nil {
		t.Error("nested default missing")
	}
}

func TestMergeForests(t *testing.T) {
	a := []*Node{container("m", "cfg", leaf("m", "x", "1"))}
	b := []*Node{container("m", "cfg", leaf("m", "y", "2")), leaf("m", "top", "t")}
	merged := Merge(a, b)
	for _, path := range []string{"/m:cfg/x", "/m:cfg/y", "/m:top"} {
		if FindFirst(merged, mustPathT(t, path)) == nil {
			t.Errorf("missing %s after merge", path)
		}
	}
}

func mustPathT(t *testing.T, s string) Path {
	t.Helper()
	p, err := ParsePath(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}
