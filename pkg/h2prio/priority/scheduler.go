package priority

import "container/heap"

// schedule implements spec.md §4.1's "Schedule operation", defined
// recursively on a node. Precondition: n itself is not active (active
// nodes are returned directly by their parent and never descended into;
// the tree's root satisfies this by invariant 1 of spec.md §3).
//
// It returns the chosen stream ID and true on success, or false if no
// active stream exists anywhere in n's subtree — in which case n's own
// state is still fully updated (every child it tried is reinserted with
// an advanced deficit) so a later call can pick up where this one left
// off once something downstream becomes active.
func (n *node) schedule() (uint32, bool) {
	count := len(n.children)
	// Children that yielded nothing are held out of the heap until the
	// loop ends, so each child is tried at most once per call.
	tried := make([]heapEntry, 0, count)
	for i := 0; i < count; i++ {
		entry := heap.Pop(&n.children).(heapEntry)
		child := entry.child
		newDeficit := entry.deficit + child.step()

		var (
			id    uint32
			found bool
		)
		if child.active {
			id, found = child.id, true
		} else {
			// Recurse into the child's own subtree. A child with no
			// descendants of its own simply returns found=false here
			// (its heap is empty, so the loop inside this call never
			// executes) — spec.md §4.1's "propagate no work here back
			// up so the parent can try the next-smallest child".
			id, found = child.schedule()
		}

		// The dequeued child is always reinserted at its advanced
		// deficit, whether or not it yielded a stream this round: a
		// blocked or empty subtree still occupies its slot in the
		// rotation and must remain schedulable once it gains work.
		advanced := heapEntry{deficit: newDeficit, child: child}

		// Record the dequeued (pre-advance) deficit, per spec.md §4.1
		// step 2 ("record the dequeued deficit as last_deficit") — not
		// the advanced value just reinserted above, so a newly added
		// sibling is seeded one step behind the incumbent instead of
		// tying with it.
		n.lastDeficit = entry.deficit

		if found {
			heap.Push(&n.children, advanced)
			for _, e := range tried {
				heap.Push(&n.children, e)
			}
			return id, true
		}
		tried = append(tried, advanced)
	}
	for _, e := range tried {
		heap.Push(&n.children, e)
	}
	return 0, false
}
