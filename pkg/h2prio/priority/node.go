package priority

import "container/heap"

// DefaultWeight is the weight assigned to a stream when none is given
// (RFC 7540 §5.3.2) and to implicitly-created placeholder parents.
const DefaultWeight = 16

// MinWeight and MaxWeight bound the in-memory weight representation.
// The wire encoding is 0..255 meaning 1..256; callers translate before
// calling into this package (spec.md §6).
const (
	MinWeight = 1
	MaxWeight = 256
)

// node is one stream's priority record: its own weight/active state, its
// parent, and the heap of its own children. The tree owns every node and
// indexes them by stream ID (see Tree.streams); parent/child links are
// plain pointers into that index, not external handles, since Go's
// garbage collector removes the need for an arena or slot-map to keep
// ownership affine (spec.md §9 explicitly allows either approach).
type node struct {
	id     uint32
	weight int // 1..256
	active bool

	parent   *node
	children childHeap

	// lastDeficit is the deficit value most recently dequeued from this
	// node's own child heap. New children are seeded with this value
	// (spec.md §4.1 "Adding a child") so they enter rotation fairly
	// instead of jumping the queue or being starved.
	lastDeficit uint64

	// placeholder is true for a node implicitly materialized by a
	// forward reference (spec.md §4.2) that has not yet been promoted
	// by an explicit InsertStream call.
	placeholder bool
}

// newNode constructs a node with its heap initialized and ready for use.
func newNode(id uint32, weight int) *node {
	n := &node{id: id, weight: weight}
	heap.Init(&n.children)
	return n
}

// heapEntry is one element of a node's child heap: a child node paired
// with the deficit it's currently queued at.
type heapEntry struct {
	deficit uint64
	child   *node
}

// childHeap is the per-node weighted round-robin queue: a binary heap
// keyed by (deficit, stream_id), smallest first, as spec.md §9 suggests.
// Removal rebuilds the heap (spec.md §9 option (a)) rather than tracking
// interior handles, matching the teacher's preference elsewhere in the
// corpus for rebuild-on-mutation over decrease-key machinery.
type childHeap []heapEntry

func (h childHeap) Len() int { return len(h) }

func (h childHeap) Less(i, j int) bool {
	if h[i].deficit != h[j].deficit {
		return h[i].deficit < h[j].deficit
	}
	return h[i].child.id < h[j].child.id
}

func (h childHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *childHeap) Push(x any) {
	*h = append(*h, x.(heapEntry))
}

func (h *childHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*childHeap)(nil)

// step returns the deficit increment for a child of this node's weight:
// floor(256/weight), so a weight-256 child advances by 1 per turn and a
// weight-1 child advances by 256 (spec.md §4.1).
func (n *node) step() uint64 {
	return uint64(256 / n.weight)
}

// addChildAt enqueues child into n's heap at the given deficit and records
// the parent link. It does not touch n.children's membership bookkeeping
// beyond the heap itself — the heap *is* the membership list (invariant 3
// of spec.md §3: "child_queue ... contains exactly one entry per member
// of children").
func (n *node) addChildAt(child *node, deficit uint64) {
	child.parent = n
	heap.Push(&n.children, heapEntry{deficit: deficit, child: child})
}

// addChild enqueues child at n's last dequeued deficit, per spec.md's
// "Adding a child" rule.
func (n *node) addChild(child *node) {
	n.addChildAt(child, n.lastDeficit)
}

// addChildExclusive makes newChild n's sole direct child: every prior
// child of n is re-parented onto newChild through the normal addChild
// path, preserving relative weight (spec.md §4.2's exclusive insertion).
// n's own heap is rebuilt to hold only newChild, and n's last_deficit
// resets to 0, matching the source's add_child_exclusive.
func (n *node) addChildExclusive(newChild *node) {
	old := make([]*node, 0, len(n.children))
	for _, e := range n.children {
		old = append(old, e.child)
	}

	n.children = nil
	n.lastDeficit = 0
	n.addChildAt(newChild, 0)

	for _, child := range old {
		newChild.addChild(child)
	}
}

// removeChild deletes child from n's heap, rebuilding it so no stale
// handle to child survives (spec.md §4.1 "Removing a child").
func (n *node) removeChild(child *node) {
	kept := make(childHeap, 0, len(n.children))
	for _, e := range n.children {
		if e.child != child {
			kept = append(kept, e)
		}
	}
	n.children = kept
	heap.Init(&n.children)
}

// rebuildHeap reinitializes n's heap ordering in place, for use after
// n.children is given a new backing slice without going through
// addChild/removeChild. No code in this package calls it: exclusive
// insertion refills the heap through addChildAt instead.
func (n *node) rebuildHeap() {
	heap.Init(&n.children)
}

// hasChildren reports whether n has any children at all.
func (n *node) hasChildren() bool {
	return len(n.children) > 0
}
