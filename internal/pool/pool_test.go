package pool

import "testing"

func TestCapGating(t *testing.T) {
	p := New(2)
	if !p.CanSchedule("a", false) {
		t.Fatal("expected a schedulable")
	}
	p.Allocate("a", false)
	if !p.CanSchedule("b", false) {
		t.Fatal("expected b schedulable with cap 2")
	}
	p.Allocate("b", false)
	if p.CanSchedule("c", false) {
		t.Fatal("expected c blocked at cap")
	}
	p.Release("a", false)
	if !p.CanSchedule("c", false) {
		t.Fatal("expected c schedulable after release")
	}
}

func TestExclusiveBlocksEverything(t *testing.T) {
	p := New(4)
	if !p.CanSchedule("a", true) {
		t.Fatal("expected exclusive task schedulable when empty")
	}
	p.Allocate("a", true)
	if p.CanSchedule("b", false) {
		t.Fatal("expected non-exclusive task blocked while exclusive active")
	}
	if p.CanSchedule("c", true) {
		t.Fatal("expected second exclusive task blocked")
	}
	p.Release("a", true)
	if !p.CanSchedule("b", false) {
		t.Fatal("expected b schedulable after exclusive released")
	}
}

func TestExclusiveRequiresEmptyPool(t *testing.T) {
	p := New(4)
	p.Allocate("a", false)
	if p.CanSchedule("x", true) {
		t.Fatal("expected exclusive task blocked while others are running")
	}
}
