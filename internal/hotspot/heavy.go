package hotspot

import "sort"

// Hotspot is one heavy substring reported by the enumerator. Light is the
// weight attributed to the node itself once heavy descendants are excluded,
// Total the full subtree weight, and Upper the lossy-counting upper bound
// on the true weight.
type Hotspot struct {
	Tokens []Token
	Light  int64
	Total  int64
	Upper  int64
}

// HeavyHitters enumerates the heavy nodes for frequency, a floor in (0, 1]:
// with threshold = floor(frequency · total weight), a node is heavy when its
// light weight plus its error bound exceeds threshold. Light is the node's
// subtree weight minus the weight already claimed by heavy descendants and
// heavy suffix-link referrers, so a substring whose weight is carried
// entirely by heavy extensions is not reported on its own. Light never
// exceeds Total, and Upper is Total plus the node's error bound.
func (t *Tree) HeavyHitters(frequency float64) []Hotspot {
	if frequency <= 0 || frequency > 1 {
		frequency = 1
	}
	threshold := int64(frequency * float64(t.total))

	levels := t.depthLevels()

	// Reset pass, shallow to deep.
	for _, level := range levels {
		for _, h := range level {
			n := &t.nodes[h]
			n.desc = 0
			n.heavyDesc = 0
		}
	}

	// Aggregation pass, deep to shallow. Each node pushes its subtree
	// weight to its parent and its suffix locus, and retracts it from the
	// parent's suffix locus so weights reached through both paths are not
	// counted twice.
	heavy := make(map[handle]Hotspot)
	for d := len(levels) - 1; d >= 1; d-- {
		for _, h := range levels[d] {
			n := &t.nodes[h]
			total := n.count + n.desc
			light := total - n.heavyDesc
			contrib := n.heavyDesc
			if light+n.delta > threshold {
				contrib = total
				heavy[h] = Hotspot{Light: light, Total: total, Upper: total + n.delta}
			}

			p := n.parent
			pn := &t.nodes[p]
			pn.desc += total
			pn.heavyDesc += contrib
			if sl := n.slink; t.live(sl) {
				t.nodes[sl].desc += total
				t.nodes[sl].heavyDesc += contrib
			}
			if psl := pn.slink; t.live(psl) {
				t.nodes[psl].desc -= total
				t.nodes[psl].heavyDesc -= contrib
			}
		}
	}

	out := t.emit(heavy)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Light > out[j].Light })
	return out
}

// depthLevels buckets every reachable node by its token depth (label
// length) during a root-to-leaves walk. Token depth, not node depth, is
// what orders suffix-link targets strictly before their referrers.
func (t *Tree) depthLevels() [][]handle {
	levels := [][]handle{{t.root}}

	type frame struct {
		h     handle
		depth int32
	}
	stack := []frame{{t.root, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range t.nodes[f.h].children {
			d := f.depth + t.nodes[c].length
			for int32(len(levels)) <= d {
				levels = append(levels, nil)
			}
			levels[d] = append(levels[d], c)
			if t.nodes[c].children != nil {
				stack = append(stack, frame{c, d})
			}
		}
	}
	return levels
}

// emit walks the tree depth-first, materializing the label of every heavy
// node. Subtree results arrive in depth-first order, which the caller's
// stable sort preserves among equal counts.
func (t *Tree) emit(heavy map[handle]Hotspot) []Hotspot {
	var out []Hotspot
	var label []Token

	var walk func(h handle)
	walk = func(h handle) {
		n := &t.nodes[h]
		label = append(label, t.arrays[n.arr][n.start:n.start+n.length]...)
		if hs, ok := heavy[h]; ok {
			hs.Tokens = append([]Token(nil), label...)
			out = append(out, hs)
		}
		for _, c := range sortedChildren(t, h) {
			walk(c)
		}
		label = label[:len(label)-int(n.length)]
	}
	for _, c := range sortedChildren(t, t.root) {
		walk(c)
	}
	return out
}

// sortedChildren returns h's children ordered by leading edge token, making
// the emit order independent of map iteration.
func sortedChildren(t *Tree, h handle) []handle {
	m := t.nodes[h].children
	if len(m) == 0 {
		return nil
	}
	cs := make([]handle, 0, len(m))
	for _, c := range m {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return t.nodes[cs[i]].first < t.nodes[cs[j]].first })
	return cs
}
