package priority

import (
	"container/heap"
	"testing"
)

func TestNodeStep(t *testing.T) {
	tests := []struct {
		weight int
		want   uint64
	}{
		{256, 1},
		{128, 2},
		{16, 16},
		{1, 256},
		{255, 1}, // floor(256/255) == 1
	}
	for _, tt := range tests {
		n := newNode(1, tt.weight)
		if got := n.step(); got != tt.want {
			t.Errorf("weight %d: step() = %d, want %d", tt.weight, got, tt.want)
		}
	}
}

func TestChildHeapOrdersByDeficitThenID(t *testing.T) {
	parent := newNode(0, 1)
	a := newNode(5, 16)
	b := newNode(3, 16)
	c := newNode(9, 16)

	parent.addChildAt(a, 10)
	parent.addChildAt(b, 10) // tie on deficit, lower id (3) should win
	parent.addChildAt(c, 1)  // smallest deficit, should come out first

	first := heap.Pop(&parent.children).(heapEntry)
	if first.child.id != 9 {
		t.Fatalf("first popped id = %d, want 9", first.child.id)
	}
	second := heap.Pop(&parent.children).(heapEntry)
	if second.child.id != 3 {
		t.Fatalf("second popped id = %d, want 3 (tie-break by id)", second.child.id)
	}
	third := heap.Pop(&parent.children).(heapEntry)
	if third.child.id != 5 {
		t.Fatalf("third popped id = %d, want 5", third.child.id)
	}
}

func TestRemoveChildLeavesNoStaleEntry(t *testing.T) {
	parent := newNode(0, 1)
	a := newNode(1, 16)
	b := newNode(2, 16)
	parent.addChild(a)
	parent.addChild(b)

	parent.removeChild(a)
	if len(parent.children) != 1 {
		t.Fatalf("len(children) = %d, want 1", len(parent.children))
	}
	if parent.children[0].child != b {
		t.Fatalf("remaining child = %d, want 2", parent.children[0].child.id)
	}
}

func TestAddChildExclusiveReparentsAndResetsDeficit(t *testing.T) {
	parent := newNode(0, 1)
	old1 := newNode(1, 16)
	old2 := newNode(2, 32)
	parent.addChild(old1)
	parent.addChild(old2)
	parent.lastDeficit = 99

	newChild := newNode(3, 16)
	parent.addChildExclusive(newChild)

	if len(parent.children) != 1 || parent.children[0].child != newChild {
		t.Fatalf("parent should have exactly newChild as its child")
	}
	if parent.lastDeficit != 0 {
		t.Fatalf("parent.lastDeficit = %d, want 0 after exclusive insert", parent.lastDeficit)
	}
	if len(newChild.children) != 2 {
		t.Fatalf("newChild should have inherited both former children, got %d", len(newChild.children))
	}
	for _, e := range newChild.children {
		if e.child.parent != newChild {
			t.Fatalf("reparented child %d still points to old parent", e.child.id)
		}
	}
}

func TestAddChildSeedsAtLastDeficit(t *testing.T) {
	parent := newNode(0, 1)
	parent.lastDeficit = 42

	child := newNode(1, 16)
	parent.addChild(child)

	if parent.children[0].deficit != 42 {
		t.Fatalf("new child seeded at deficit %d, want 42", parent.children[0].deficit)
	}
}
