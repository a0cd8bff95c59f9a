// Package hotspot implements the streaming heavy-hitter engine over
// backtrace sequences: a generalized suffix tree built incrementally with
// Ukkonen's algorithm, pruned by lossy counting so memory stays bounded
// while every substring whose weighted frequency exceeds the configured
// floor survives, and enumerated at output time with error bounds.
package hotspot

// Token is one element of an inserted sequence, in practice a location
// identifier. Callers guarantee that no token repeats within a single
// sequence and that terminator tokens appear only at sequence end.
type Token uint64

// handle indexes a node in the tree's arena. Parents, suffix links, child
// values and queue links are all handles, which keeps the inherently cyclic
// structure out of the garbage collector's way and gives us sentinels for
// free.
type handle int32

// nilHandle marks an unset parent or suffix link.
const nilHandle handle = -1

type kind uint8

const (
	kindRoot kind = iota
	kindBranch
	kindLeaf
	kindFront // leaf-queue front sentinel
	kindBack  // leaf-queue back sentinel
	kindDead
)

// node is one arena slot. The edge label is arrays[arr][start:start+length];
// first caches its leading token, which keys the node in its parent's child
// map. count holds the weight of insertions terminating exactly here; delta
// is the lossy-counting error bound inherited at creation; maxChildDelta is
// the bound handed to any descendant created later. desc and heavyDesc are
// scratch aggregates recomputed by the enumerator.
type node struct {
	kind   kind
	arr    int32
	start  int32
	length int32
	first  Token

	parent handle
	slink  handle

	children  map[Token]handle
	slinkRefs int32

	count         int64
	delta         int64
	maxChildDelta int64

	desc      int64
	heavyDesc int64

	qprev, qnext handle
}

// alloc appends a fresh node of the given kind and returns its handle.
// Dead nodes stay in the arena; it is discarded wholesale with the tree.
func (t *Tree) alloc(k kind) handle {
	h := handle(len(t.nodes))
	t.nodes = append(t.nodes, node{
		kind:   k,
		parent: nilHandle,
		slink:  nilHandle,
		qprev:  nilHandle,
		qnext:  nilHandle,
	})
	return h
}

func (t *Tree) edgeLen(h handle) int32 { return t.nodes[h].length }

func (t *Tree) live(h handle) bool {
	return h != nilHandle && t.nodes[h].kind != kindDead
}

// child returns the child of h starting with tok, or nilHandle.
func (t *Tree) child(h handle, tok Token) handle {
	c, ok := t.nodes[h].children[tok]
	if !ok {
		return nilHandle
	}
	return c
}

func (t *Tree) addChild(p, c handle) {
	t.nodes[p].children[t.nodes[c].first] = c
}

func (t *Tree) removeChild(p handle, first Token) {
	delete(t.nodes[p].children, first)
}

// setSuffixLink records from→to unless a live link is already present, and
// keeps the referent's incoming count in step. A link left dangling at a
// dead node by the governor may be replaced.
func (t *Tree) setSuffixLink(from, to handle) {
	cur := t.nodes[from].slink
	if t.live(cur) {
		return
	}
	t.nodes[from].slink = to
	t.nodes[to].slinkRefs++
}

// --- leaf queue ---

// queueAppend links h in front of the back sentinel.
func (t *Tree) queueAppend(h handle) {
	prev := t.nodes[t.back].qprev
	t.nodes[h].qprev = prev
	t.nodes[h].qnext = t.back
	t.nodes[prev].qnext = h
	t.nodes[t.back].qprev = h
}

// queueRemove unlinks h, rewiring its neighbors to each other.
func (t *Tree) queueRemove(h handle) {
	n := &t.nodes[h]
	t.nodes[n.qprev].qnext = n.qnext
	t.nodes[n.qnext].qprev = n.qprev
	n.qprev, n.qnext = nilHandle, nilHandle
}

// labelOf reconstructs the full token label of h by walking parent links.
func (t *Tree) labelOf(h handle) []Token {
	var length int32
	for n := h; n != t.root; n = t.nodes[n].parent {
		length += t.nodes[n].length
	}
	label := make([]Token, length)
	for n := h; n != t.root; n = t.nodes[n].parent {
		nd := &t.nodes[n]
		length -= nd.length
		copy(label[length:], t.arrays[nd.arr][nd.start:nd.start+nd.length])
	}
	return label
}
