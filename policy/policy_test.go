package policy

import "testing"

func TestPrefixEvaluatorMatchesExactAndSubtree(t *testing.T) {
	e, err := NewPrefixEvaluator()
	if err != nil {
		t.Fatalf("NewPrefixEvaluator: %v", err)
	}

	cases := []struct {
		tag, rule string
		want      bool
	}{
		{"site::rackA::h1", "site::rackA", true},
		{"site::rackA", "site::rackA", true},
		{"site::rackB::h1", "site::rackA", false},
		{"site::rackAB::h1", "site::rackA", false}, // must respect "::" boundary, not raw prefix
	}

	for _, c := range cases {
		got, err := e.Matches(c.tag, c.rule)
		if err != nil {
			t.Fatalf("Matches(%q,%q): %v", c.tag, c.rule, err)
		}
		if got != c.want {
			t.Errorf("Matches(%q,%q) = %v, want %v", c.tag, c.rule, got, c.want)
		}
	}
}

func TestOverlapsIsSymmetric(t *testing.T) {
	e, err := NewPrefixEvaluator()
	if err != nil {
		t.Fatalf("NewPrefixEvaluator: %v", err)
	}

	ok, err := e.Overlaps("site::rackA", "site::rackA::h1")
	if err != nil {
		t.Fatalf("Overlaps: %v", err)
	}
	if !ok {
		t.Error("expected overlap between a rack and its child host")
	}

	ok, err = e.Overlaps("site::rackA", "site::rackB")
	if err != nil {
		t.Fatalf("Overlaps: %v", err)
	}
	if ok {
		t.Error("expected no overlap between sibling racks")
	}
}
