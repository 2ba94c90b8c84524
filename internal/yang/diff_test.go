package yang

import (
	"testing"

	"yangvault/internal/format"
)

// buildForest returns a moderately nested forest for diff law tests.
func buildForest() []*Node {
	return []*Node{
		container("m", "cfg",
			leaf("m", "x", "1"),
			leaf("m", "y", "2"),
			&Node{Name: "l", Module: "m", Kind: KindList, Keys: map[string]string{"k": "a"},
				Children: []*Node{leaf("m", "v", "10")}},
		),
		leaf("m", "top", "t"),
	}
}

func mutatedForest() []*Node {
	return []*Node{
		container("m", "cfg",
			leaf("m", "x", "changed"),
			&Node{Name: "l", Module: "m", Kind: KindList, Keys: map[string]string{"k": "a"},
				Children: []*Node{leaf("m", "v", "10")}},
			&Node{Name: "l", Module: "m", Kind: KindList, Keys: map[string]string{"k": "b"},
				Children: []*Node{leaf("m", "v", "20")}},
		),
		leaf("m", "new", "n"),
	}
}

func TestDiffApplyYieldsTarget(t *testing.T) {
	a, b := buildForest(), mutatedForest()
	diff := Diff(a, b)
	got, err := ApplyDiff(a, diff)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if !Equal(got, b) {
		t.Errorf("diff(a,b) applied to a does not yield b")
	}
}

func TestDiffReverseRestoresOriginal(t *testing.T) {
	a, b := buildForest(), mutatedForest()
	diff := Diff(a, b)
	forward, err := ApplyDiff(a, diff)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ApplyDiff(forward, Reverse(diff))
	if err != nil {
		t.Fatalf("ApplyDiff(reverse): %v", err)
	}
	if !Equal(back, a) {
		t.Errorf("reverse diff did not restore original")
	}
}

func TestDiffOfEqualForestsIsEmpty(t *testing.T) {
	a := buildForest()
	if diff := Diff(a, CopyForest(a)); len(diff) != 0 {
		t.Errorf("expected empty diff, got %+v", diff)
	}
}

func TestMergeDiffSequential(t *testing.T) {
	a := buildForest()
	b := mutatedForest()
	diffAB := Diff(a, b)

	c := CopyForest(b)
	FindFirst(c, mustPath(t, "/m:cfg/x")).Value = "final"
	diffBC := Diff(b, c)

	merged := MergeDiff(diffAB, diffBC)
	got, err := ApplyDiff(a, merged)
	if err != nil {
		t.Fatalf("ApplyDiff(merged): %v", err)
	}
	if !Equal(got, c) {
		t.Errorf("merged diff does not produce final state")
	}
}

func TestTreeCodecRoundTrip(t *testing.T) {
	a := buildForest()
	buf, err := EncodeForest(format.TypeDatastore, a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeForest(format.TypeDatastore, buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Equal(got, a) {
		t.Error("codec round trip mismatch")
	}
	// Wrong type byte is rejected.
	if _, err := DecodeForest(format.TypeOperDiff, buf); err == nil {
		t.Error("expected type mismatch error")
	}
	// Empty input decodes to nil.
	if forest, err := DecodeForest(format.TypeDatastore, nil); err != nil || forest != nil {
		t.Errorf("empty decode: %v, %v", forest, err)
	}
}

func TestWriteReadCanonicalEquality(t *testing.T) {
	a := buildForest()
	buf, err := EncodeForest(format.TypeDatastore, a)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeForest(format.TypeDatastore, buf)
	if err != nil {
		t.Fatal(err)
	}
	Canonicalize(got)
	Canonicalize(a)
	if !Equal(got, a) {
		t.Error("canonicalized round trip mismatch")
	}
}
