package hotspot

import "math"

// Tree is the generalized suffix tree with lossy counting. It is built for
// single-threaded use: one goroutine inserts sequences, then enumerates.
type Tree struct {
	nodes  []node
	arrays [][]Token

	root  handle
	front handle
	back  handle

	// Lossy-counting state. The insertion stream is divided into buckets of
	// bucketWidth weight; bucket is the index of the bucket currently being
	// filled, and low-count leaves are squashed each time it advances.
	bucketWidth int64
	bucket      int64
	total       int64

	ap        activePoint
	newLeaves []handle
}

// activePoint is the construction cursor: a position len tokens down the
// edge from parent to child. len == 0 means the cursor sits exactly on
// parent (and child == parent); otherwise len < edgeLen(child).
type activePoint struct {
	parent handle
	child  handle
	length int32
}

// New returns an empty tree whose lossy-counting error bound is errorBound:
// for any substring, the undercount of the reported weight is less than
// errorBound times the total inserted weight.
func New(errorBound float64) *Tree {
	if errorBound <= 0 || errorBound > 1 {
		errorBound = 0.001
	}
	t := &Tree{}
	t.front = t.alloc(kindFront)
	t.back = t.alloc(kindBack)
	t.root = t.alloc(kindRoot)
	t.nodes[t.front].qnext = t.back
	t.nodes[t.back].qprev = t.front
	t.nodes[t.root].children = make(map[Token]handle)
	t.bucketWidth = int64(math.Ceil(1 / errorBound))
	t.ap = activePoint{parent: t.root, child: t.root}
	return t
}

// Total returns the sum of all inserted weights.
func (t *Tree) Total() int64 { return t.total }

// Insert adds one sequence with the given weight. The weight lands on the
// sequence's destination node: the first leaf the insertion creates, or,
// when the sequence was already fully present, the node at its locus.
func (t *Tree) Insert(seq []Token, weight int64) {
	if len(seq) == 0 || weight <= 0 {
		return
	}

	arr := int32(len(t.arrays))
	t.arrays = append(t.arrays, seq)

	t.ap = activePoint{parent: t.root, child: t.root}
	t.newLeaves = t.newLeaves[:0]
	lastInternal := nilHandle

	// Ukkonen's loop: one phase per position, extending every pending
	// suffix j..i until a scan succeeds (the suffix is already present)
	// or all suffixes of the prefix have leaves.
	j := 0
	for i := 0; i < len(seq); i++ {
		tok := seq[i]
		lastInternal = nilHandle
		for {
			base := t.ap.parent
			baseAtNode := t.ap.length == 0
			if t.scan(tok) {
				if lastInternal != nilHandle && baseAtNode && base != t.root {
					t.setSuffixLink(lastInternal, base)
				}
				break
			}
			n := t.splitAt()
			if lastInternal != nilHandle {
				t.setSuffixLink(lastInternal, n)
			}
			if t.nodes[n].kind == kindBranch {
				lastInternal = n
			}
			t.newLeaves = append(t.newLeaves, t.newLeaf(n, arr, int32(i)))
			j++
			if j > i {
				t.ap = activePoint{parent: t.root, child: t.root}
				break
			}
			t.gotoSuffix(n)
		}
	}

	// The leaves created above cover the suffixes seq[0:], seq[1:], ...,
	// in order; the remaining suffixes were already fully present. Chain
	// their suffix links, ending at the locus of the first pre-existing
	// suffix, so the enumerator's suffix propagation reaches every locus.
	for i := 0; i+1 < len(t.newLeaves); i++ {
		t.setSuffixLink(t.newLeaves[i], t.newLeaves[i+1])
	}
	if m := len(t.newLeaves); m > 0 {
		t.rescan(t.root, seq[m:])
		if t.ap.length == 0 {
			t.setSuffixLink(t.newLeaves[m-1], t.ap.parent)
		}
	}

	dest := nilHandle
	if len(t.newLeaves) > 0 {
		dest = t.newLeaves[0]
	} else {
		t.ap = activePoint{parent: t.root, child: t.root}
		t.rescan(t.root, seq)
		dest = t.splitAt()
		if t.nodes[dest].kind == kindBranch && !t.live(t.nodes[dest].slink) {
			t.gotoSuffix(dest)
		}
	}
	t.nodes[dest].count += weight

	t.total += weight
	if b := t.total / t.bucketWidth; b > t.bucket {
		t.bucket = b
		t.compress()
	}
}

// scan tries to extend the active point by tok. On success the cursor
// advances, snapping onto the child node when the edge is exhausted.
func (t *Tree) scan(tok Token) bool {
	if t.ap.length == 0 {
		c := t.child(t.ap.parent, tok)
		if c == nilHandle {
			return false
		}
		if t.edgeLen(c) == 1 {
			t.ap = activePoint{parent: c, child: c}
		} else {
			t.ap.child = c
			t.ap.length = 1
		}
		return true
	}
	cn := &t.nodes[t.ap.child]
	if t.arrays[cn.arr][cn.start+t.ap.length] != tok {
		return false
	}
	t.ap.length++
	if t.ap.length == cn.length {
		t.ap = activePoint{parent: t.ap.child, child: t.ap.child}
	}
	return true
}

// splitAt materializes a node at the active point. When the cursor sits on
// a node it is returned as-is; otherwise the current edge is cut at the
// cursor offset and the new internal node takes over the upper part.
func (t *Tree) splitAt() handle {
	if t.ap.length == 0 {
		return t.ap.parent
	}
	c, p, l := t.ap.child, t.ap.parent, t.ap.length

	n := t.alloc(kindBranch)
	cn := &t.nodes[c]
	nn := &t.nodes[n]
	nn.arr, nn.start, nn.length = cn.arr, cn.start, l
	nn.first = cn.first
	nn.parent = p
	nn.children = make(map[Token]handle, 2)
	// The squash history of the subtree travels with the lower half, so new
	// leaves grafted here keep valid error bounds.
	nn.maxChildDelta = cn.maxChildDelta

	cn.start += l
	cn.length -= l
	cn.first = t.arrays[cn.arr][cn.start]
	cn.parent = n
	nn.children[cn.first] = c
	t.nodes[p].children[nn.first] = n

	t.ap = activePoint{parent: n, child: n}
	return n
}

// newLeaf hangs a fresh leaf under p whose edge covers seq[start:] of
// arrays[arr]. Its error bound is inherited from the parent's squash
// history, and it joins the leaf queue at the back.
func (t *Tree) newLeaf(p handle, arr, start int32) handle {
	n := t.alloc(kindLeaf)
	seq := t.arrays[arr]
	ln := &t.nodes[n]
	ln.arr = arr
	ln.start = start
	ln.length = int32(len(seq)) - start
	ln.first = seq[start]
	ln.parent = p

	pn := &t.nodes[p]
	ln.delta = pn.maxChildDelta
	ln.maxChildDelta = pn.maxChildDelta
	if pn.children == nil {
		// A leaf grows its first child: an inserted sequence ran past an
		// existing whole sequence, or past a branch the governor had
		// demoted. Either way it rejoins the interior of the tree.
		pn.children = make(map[Token]handle, 1)
		if pn.kind == kindLeaf {
			pn.kind = kindBranch
			t.queueRemove(p)
		}
	}
	pn.children[ln.first] = n

	t.queueAppend(n)
	return n
}

// gotoSuffix moves the cursor to the locus of n's label minus its first
// token: through n's suffix link when one is present and alive, and
// otherwise by rescanning n's edge from the parent's suffix locus with the
// skip-count trick. Landing exactly on a node also records it as n's
// suffix link.
func (t *Tree) gotoSuffix(n handle) {
	if n == t.root {
		t.ap = activePoint{parent: t.root, child: t.root}
		return
	}
	nd := t.nodes[n]
	if t.live(nd.slink) {
		sl := nd.slink
		t.ap = activePoint{parent: sl, child: sl}
		return
	}

	p := nd.parent
	if p == t.root {
		seq := t.arrays[nd.arr]
		t.rescan(t.root, seq[nd.start+1:nd.start+nd.length])
	} else if psl := t.nodes[p].slink; t.live(psl) {
		seq := t.arrays[nd.arr]
		t.rescan(psl, seq[nd.start:nd.start+nd.length])
	} else {
		// The parent's suffix locus was lost to pruning; rebuild the full
		// label and rescan from the root.
		label := t.labelOf(n)
		t.rescan(t.root, label[1:])
	}

	if t.ap.length == 0 {
		t.setSuffixLink(n, t.ap.parent)
	}
}

// rescan walks tokens downward from base using edge lengths only. Pruning
// can leave the tree no longer closed under suffixes; when the path runs
// out the cursor stops at the deepest reachable node and later extensions
// rebuild the missing structure underneath it.
func (t *Tree) rescan(base handle, tokens []Token) {
	cur := base
	i := int32(0)
	n := int32(len(tokens))
	for i < n {
		c := t.child(cur, tokens[i])
		if c == nilHandle {
			t.ap = activePoint{parent: cur, child: cur}
			return
		}
		el := t.edgeLen(c)
		if n-i >= el {
			i += el
			cur = c
		} else {
			t.ap = activePoint{parent: cur, child: c, length: n - i}
			return
		}
	}
	t.ap = activePoint{parent: cur, child: cur}
}
