// Package priority implements the HTTP/2 stream priority tree and its
// weighted round-robin scheduler (RFC 7540 §5.3). Given a set of streams
// related by parent/child dependencies and relative weights, it produces
// an infinite, deterministic, weight-proportional sequence of stream IDs
// via repeated calls to Next.
//
// A Tree is not internally synchronized. A single owner — typically one
// HTTP/2 connection's state machine — drives it; an embedder that shares
// a Tree across goroutines must wrap it in its own mutex, the same way
// pkg/h2prio/http2's Connection guards its priority tree with priorityMu.
package priority

// Config configures a new Tree.
type Config struct {
	// MaxStreams caps the number of non-root nodes the tree will hold
	// (spec.md's maximum_streams). Zero means unlimited.
	MaxStreams int
}

// DefaultConfig returns the zero-value configuration: no stream limit.
func DefaultConfig() Config {
	return Config{MaxStreams: 0}
}

// Tree is the owning container for a stream dependency tree: the implicit
// root (stream 0), a flat identifier index, and the mutation API.
type Tree struct {
	root       *node
	streams    map[uint32]*node
	maxStreams int
}

// NewTree returns a fresh tree containing only the blocked root stream 0.
func NewTree(cfg Config) *Tree {
	if cfg.MaxStreams < 0 {
		cfg.MaxStreams = 0
	}
	root := newNode(0, 1)
	root.active = false
	t := &Tree{
		root:       root,
		streams:    make(map[uint32]*node),
		maxStreams: cfg.MaxStreams,
	}
	t.streams[0] = root
	return t
}

// nodeCount returns the number of non-root nodes currently in the tree.
func (t *Tree) nodeCount() int {
	return len(t.streams) - 1
}

// InsertOptions configures InsertStream. The zero value means "depends on
// the root with the default weight, non-exclusive" (spec.md §4.2's
// insert_stream(stream_id, depends_on=0, weight=16, exclusive=false)).
type InsertOptions struct {
	DependsOn uint32 // 0 means the root
	Weight    int    // 0 means DefaultWeight (16)
	Exclusive bool
}

// InsertStream adds stream_id to the tree under depends_on (spec.md
// §4.2). If depends_on names a stream not yet in the tree, it is
// implicitly created as a blocked placeholder first, to tolerate
// out-of-order PRIORITY frames. If stream_id already names a placeholder
// created this way, the call promotes it in place instead of failing; as
// in Reprioritize, a new parent that is a descendant of the placeholder
// is first moved to the placeholder's position.
func (t *Tree) InsertStream(streamID uint32, opts InsertOptions) error {
	weight := opts.Weight
	if weight == 0 {
		weight = DefaultWeight
	}
	if weight < MinWeight || weight > MaxWeight {
		return &BadWeightError{StreamID: streamID, Weight: weight}
	}
	if streamID != 0 && streamID == opts.DependsOn {
		return &PriorityLoopError{StreamID: streamID}
	}

	existing, exists := t.streams[streamID]
	promoting := exists && existing.placeholder
	if exists && !promoting {
		return &DuplicateStreamError{StreamID: streamID}
	}

	parentNode, parentExists := t.streams[opts.DependsOn]
	needed := 0
	if !parentExists {
		needed++
	}
	if !exists {
		needed++
	}
	if needed > 0 && t.maxStreams > 0 && t.nodeCount()+needed > t.maxStreams {
		return &TooManyStreamsError{StreamID: streamID, MaxStreams: t.maxStreams}
	}
	if !parentExists {
		parentNode = t.createPlaceholder(opts.DependsOn)
	}

	if promoting {
		s := existing
		if t.isDescendant(parentNode, s) {
			parentNode.parent.removeChild(parentNode)
			s.parent.addChild(parentNode)
		}
		s.parent.removeChild(s)
		s.placeholder = false
		s.active = true
		s.weight = weight
		t.attach(s, parentNode, opts.Exclusive)
		return nil
	}

	s := newNode(streamID, weight)
	s.active = true
	t.streams[streamID] = s
	t.attach(s, parentNode, opts.Exclusive)
	return nil
}

// createPlaceholder implicitly materializes a forward-referenced parent:
// insert_stream(depends_on, depends_on=0, weight=16, exclusive=false),
// marked blocked, per spec.md §4.2.
func (t *Tree) createPlaceholder(id uint32) *node {
	p := newNode(id, DefaultWeight)
	p.active = false
	p.placeholder = true
	t.streams[id] = p
	t.root.addChild(p)
	return p
}

// attach enqueues s under parent using the ordinary or exclusive
// insertion path.
func (t *Tree) attach(s, parent *node, exclusive bool) {
	if exclusive {
		parent.addChildExclusive(s)
	} else {
		parent.addChild(s)
	}
}

// RemoveStream removes stream_id from the tree (spec.md §4.2). Its
// children are re-parented onto its former parent, appended at the
// parent's current last_deficit, preserving their weights — HTTP/2's
// "children are promoted" semantics for closed streams.
func (t *Tree) RemoveStream(streamID uint32) error {
	if streamID == 0 {
		return &PseudoStreamError{Op: "remove"}
	}
	s, exists := t.streams[streamID]
	if !exists {
		return &MissingStreamError{StreamID: streamID}
	}

	parent := s.parent
	parent.removeChild(s)

	orphans := make([]*node, 0, len(s.children))
	for _, e := range s.children {
		orphans = append(orphans, e.child)
	}
	for _, child := range orphans {
		parent.addChild(child)
	}

	delete(t.streams, streamID)
	return nil
}

// ReprioritizeOptions configures Reprioritize. A nil field means "keep
// the stream's current value" (spec.md §4.2's depends_on=current_parent,
// weight=current_weight defaults).
type ReprioritizeOptions struct {
	DependsOn *uint32
	Weight    *int
	Exclusive bool
}

// Reprioritize changes stream_id's parent and/or weight (spec.md §4.2).
// If the requested new parent is currently a descendant of stream_id,
// the new parent is first moved to stream_id's current position (cycle
// avoidance) before the main move, per RFC 7540 §5.3.1.
func (t *Tree) Reprioritize(streamID uint32, opts ReprioritizeOptions) error {
	if streamID == 0 {
		return &PseudoStreamError{Op: "reprioritize"}
	}
	s, exists := t.streams[streamID]
	if !exists {
		return &MissingStreamError{StreamID: streamID}
	}

	dependsOn := s.parent.id
	if opts.DependsOn != nil {
		dependsOn = *opts.DependsOn
	}
	weight := s.weight
	if opts.Weight != nil {
		weight = *opts.Weight
	}
	if weight < MinWeight || weight > MaxWeight {
		return &BadWeightError{StreamID: streamID, Weight: weight}
	}
	if dependsOn == streamID {
		return &PriorityLoopError{StreamID: streamID}
	}

	parentNode, parentExists := t.streams[dependsOn]
	if !parentExists {
		if t.maxStreams > 0 && t.nodeCount()+1 > t.maxStreams {
			return &TooManyStreamsError{StreamID: dependsOn, MaxStreams: t.maxStreams}
		}
		parentNode = t.createPlaceholder(dependsOn)
	}

	if t.isDescendant(parentNode, s) {
		oldParentOfS := s.parent
		parentNode.parent.removeChild(parentNode)
		oldParentOfS.addChild(parentNode)
	}

	s.parent.removeChild(s)
	s.weight = weight
	t.attach(s, parentNode, opts.Exclusive)
	return nil
}

// isDescendant reports whether candidate is strictly below ancestor in
// the tree, walking parent links — O(depth), as spec.md §5 allows.
func (t *Tree) isDescendant(candidate, ancestor *node) bool {
	for n := candidate.parent; n != nil; n = n.parent {
		if n == ancestor {
			return true
		}
	}
	return false
}

// Block marks a stream as having no data ready to send.
func (t *Tree) Block(streamID uint32) error {
	return t.setActive(streamID, false, "block")
}

// Unblock marks a stream as having data ready to send.
func (t *Tree) Unblock(streamID uint32) error {
	return t.setActive(streamID, true, "unblock")
}

func (t *Tree) setActive(streamID uint32, active bool, op string) error {
	if streamID == 0 {
		return &PseudoStreamError{Op: op}
	}
	s, exists := t.streams[streamID]
	if !exists {
		return &MissingStreamError{StreamID: streamID}
	}
	s.active = active
	return nil
}

// Next returns the stream ID that should be serviced next, descending
// from the root through child schedulers until an active stream is
// found (spec.md §4.3). It is the only operation with a side effect on
// deficits; no tree structure changes. Returns a DeadlockError if no
// active stream exists anywhere in the tree.
func (t *Tree) Next() (uint32, error) {
	id, ok := t.root.schedule()
	if !ok {
		return 0, &DeadlockError{}
	}
	return id, nil
}

// Contains reports whether stream_id is present in the tree, including
// as an unpromoted placeholder.
func (t *Tree) Contains(streamID uint32) bool {
	_, ok := t.streams[streamID]
	return ok
}

// Len returns the number of non-root streams currently in the tree.
func (t *Tree) Len() int {
	return t.nodeCount()
}

// Weight reports stream_id's current in-memory weight (1..256). ok is
// false if the stream is not present.
func (t *Tree) Weight(streamID uint32) (weight int, ok bool) {
	s, exists := t.streams[streamID]
	if !exists {
		return 0, false
	}
	return s.weight, true
}

// DependsOn reports stream_id's current parent. ok is false if the
// stream is not present; a present stream always has a parent (the root
// if nothing else), so dependsOn is meaningful whenever ok is true.
func (t *Tree) DependsOn(streamID uint32) (dependsOn uint32, ok bool) {
	s, exists := t.streams[streamID]
	if !exists {
		return 0, false
	}
	return s.parent.id, true
}

// Active reports whether stream_id is currently marked as having data
// ready to send. ok is false if the stream is not present.
func (t *Tree) Active(streamID uint32) (active bool, ok bool) {
	s, exists := t.streams[streamID]
	if !exists {
		return false, false
	}
	return s.active, true
}

// StreamIDs returns every non-root stream ID currently in the tree, in
// no particular order.
func (t *Tree) StreamIDs() []uint32 {
	ids := make([]uint32, 0, t.nodeCount())
	for id := range t.streams {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
