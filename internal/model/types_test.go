package model

import "testing"

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"":             StrategyMixed,
		"manual":       StrategyManual,
		"single":       StrategyManual,
		"BY_MATCH":     StrategyByMatch,
		"by-exclusion": StrategyByExclusion,
		" mixed ":      StrategyMixed,
		"by_mapped_id": StrategyByMappedID,
	}
	for raw, want := range cases {
		got, err := ParseStrategy(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
	if _, err := ParseStrategy("sideways"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
	if got := Strategy(42).String(); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestParseStateRef(t *testing.T) {
	ref, err := ParseStateRef(" 12 ")
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	if id, ok := ref.ID(); !ok || id != 12 {
		t.Fatalf("expected id 12, got %v", ref)
	}
	ref, err = ParseStateRef("EMPTY")
	if err != nil {
		t.Fatalf("parse name: %v", err)
	}
	if name, ok := ref.Name(); !ok || name != "EMPTY" {
		t.Fatalf("expected name EMPTY, got %v", ref)
	}
	if _, ok := ref.ID(); ok {
		t.Fatalf("name reference must not report an id")
	}
	if _, err := ParseStateRef("  "); err == nil {
		t.Fatalf("expected error for empty reference")
	}
	if !(StateRef{}).IsZero() {
		t.Fatalf("zero value should report IsZero")
	}
}

func TestStateEqualIgnoresBehaviour(t *testing.T) {
	a := State{ClsID: 1, Name: "FULL", StableMinLim: 3, IsResetter: true}
	b := State{ClsID: 1, Name: "FULL", StableMinLim: 10}
	if !a.Equal(b) {
		t.Fatalf("states with same id and name should be equal")
	}
	if a.Equal(State{ClsID: 2, Name: "FULL"}) {
		t.Fatalf("different ids must not be equal")
	}
	base := 1
	alias := State{ClsID: 7, Name: "FULL_DARK", AliasOf: &base}
	if !alias.IsAlias() || alias.BaseClsID() != 1 {
		t.Fatalf("unexpected alias info: %v", alias)
	}
	if a.BaseClsID() != 1 || a.IsAlias() {
		t.Fatalf("base state should resolve to itself")
	}
	if got := a.String(); got != "FULL(1)" {
		t.Fatalf("unexpected String %q", got)
	}
}
