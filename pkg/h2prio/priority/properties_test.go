package priority

import "testing"

// buildFlatTree inserts one active stream per entry of weights (the key
// is the stream id and must be positive), all depending directly on the
// root, with the given weights.
func buildFlatTree(t *testing.T, weights map[uint32]int) *Tree {
	t.Helper()
	tr := NewTree(DefaultConfig())
	for id, w := range weights {
		if err := tr.InsertStream(id, InsertOptions{Weight: w}); err != nil {
			t.Fatalf("InsertStream(%d, weight=%d): %v", id, w, err)
		}
	}
	return tr
}

// Property 1 & 2: for a single-level tree with weights that evenly
// divide 256, after the initial transient the sequence is periodic with
// period P = sum(weights), and each stream appears exactly weight_i
// times per period.
func TestPeriodAndProportionalDistribution(t *testing.T) {
	weights := map[uint32]int{1: 32, 3: 16, 5: 64, 7: 16}
	period := 0
	for _, w := range weights {
		period += w
	}

	tr := buildFlatTree(t, weights)

	// Burn the initial transient: one full pass over the top level.
	nextN(t, tr, len(weights))

	counts := map[uint32]int{}
	seq := nextN(t, tr, period)
	for _, id := range seq {
		counts[id]++
	}
	for id, w := range weights {
		if counts[id] != w {
			t.Errorf("stream %d appeared %d times in one period, want %d", id, counts[id], w)
		}
	}

	// The period repeats: the next P calls reproduce the same sequence.
	again := nextN(t, tr, period)
	assertSeq(t, again, seq)
}

// Property 3: two trees built by the same sequence of mutations emit the
// same infinite sequence under Next.
func TestDeterminism(t *testing.T) {
	build := func(t *testing.T) *Tree {
		tr := newReadmeTree(t)
		if err := tr.Block(5); err != nil {
			t.Fatal(err)
		}
		five := uint32(9)
		w := 40
		if err := tr.Reprioritize(11, ReprioritizeOptions{DependsOn: &five, Weight: &w}); err != nil {
			t.Fatal(err)
		}
		return tr
	}

	a := nextN(t, build(t), 50)
	b := nextN(t, build(t), 50)
	assertSeq(t, a, b)
}

// Property 5: blocking a set S of streams produces the same Next
// sequence as blocking every stream, then unblocking the complement of
// S.
func TestBlockingIsomorphism(t *testing.T) {
	all := []uint32{1, 3, 5, 7, 9, 11}
	s := map[uint32]bool{1: true, 9: true}

	direct := newReadmeTree(t)
	for _, id := range all {
		if s[id] {
			if err := direct.Block(id); err != nil {
				t.Fatal(err)
			}
		}
	}

	viaComplement := newReadmeTree(t)
	for _, id := range all {
		if err := viaComplement.Block(id); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range all {
		if !s[id] {
			if err := viaComplement.Unblock(id); err != nil {
				t.Fatal(err)
			}
		}
	}

	got := nextN(t, direct, 40)
	want := nextN(t, viaComplement, 40)
	assertSeq(t, got, want)
}

// Property 4: a scripted sequence of mutations must leave all §3
// invariants intact after every step.
func TestInvariantsHoldAfterEveryMutation(t *testing.T) {
	tr := NewTree(Config{MaxStreams: 20})

	type step func(*Tree) error
	w := func(v int) *int { return &v }
	u := func(v uint32) *uint32 { return &v }

	steps := []step{
		func(tr *Tree) error { return tr.InsertStream(1, InsertOptions{}) },
		func(tr *Tree) error { return tr.InsertStream(3, InsertOptions{DependsOn: 1, Weight: 8}) },
		func(tr *Tree) error { return tr.InsertStream(5, InsertOptions{DependsOn: 1, Exclusive: true}) },
		func(tr *Tree) error { return tr.InsertStream(7, InsertOptions{DependsOn: 11}) }, // forward reference
		func(tr *Tree) error { return tr.Block(3) },
		func(tr *Tree) error { return tr.Reprioritize(5, ReprioritizeOptions{Weight: w(200)}) },
		func(tr *Tree) error { return tr.Unblock(3) },
		func(tr *Tree) error { return tr.RemoveStream(5) },
		func(tr *Tree) error {
			return tr.Reprioritize(3, ReprioritizeOptions{DependsOn: u(7), Exclusive: true})
		},
		func(tr *Tree) error { return tr.InsertStream(11, InsertOptions{Weight: 32}) }, // promotes placeholder
		func(tr *Tree) error { return tr.RemoveStream(1) },
	}

	for i, s := range steps {
		if err := s(tr); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		checkInvariants(t, tr, i)
	}
}

func checkInvariants(t *testing.T, tr *Tree, step int) {
	t.Helper()

	// 1: exactly one root, blocked, parentless.
	root, ok := tr.streams[0]
	if !ok || root != tr.root {
		t.Fatalf("step %d: root missing from index", step)
	}
	if root.active {
		t.Fatalf("step %d: root must never be active", step)
	}
	if root.parent != nil {
		t.Fatalf("step %d: root must have no parent", step)
	}

	for id, n := range tr.streams {
		if id != n.id {
			t.Fatalf("step %d: index key %d maps to node with id %d", step, id, n.id)
		}
		if n.weight < MinWeight || n.weight > MaxWeight {
			t.Fatalf("step %d: stream %d weight %d out of range", step, id, n.weight)
		}

		if id != 0 {
			// 2: parent is in the tree and n is among its children.
			if n.parent == nil {
				t.Fatalf("step %d: stream %d has no parent", step, id)
			}
			found := false
			for _, e := range n.parent.children {
				if e.child == n {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("step %d: stream %d not present in its parent's child_queue", step, id)
			}

			// 4: no cycles — following parent reaches root in finite steps.
			seen := map[*node]bool{}
			cur := n
			for cur != nil {
				if seen[cur] {
					t.Fatalf("step %d: cycle detected starting at stream %d", step, id)
				}
				seen[cur] = true
				cur = cur.parent
			}
		}

		// 3: child_queue has exactly one entry per member of children.
		if len(n.children) != countDistinctChildren(n) {
			t.Fatalf("step %d: stream %d child_queue size mismatch", step, id)
		}
		seenChild := map[*node]int{}
		for _, e := range n.children {
			seenChild[e.child]++
		}
		for child, count := range seenChild {
			if count != 1 {
				t.Fatalf("step %d: child %d appears %d times in parent %d's queue", step, child.id, count, id)
			}
		}
	}

	// 7: identifier index maps each present stream_id to exactly one node.
	for id, n := range tr.streams {
		if tr.streams[id] != n {
			t.Fatalf("step %d: identifier index inconsistent for %d", step, id)
		}
	}
}

func countDistinctChildren(n *node) int {
	seen := map[*node]bool{}
	for _, e := range n.children {
		seen[e.child] = true
	}
	return len(seen)
}
