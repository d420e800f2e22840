package crdt

import (
	"sort"

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
)

// rga is a replicated growable array of runes with tombstones. Items form
// a tree: each item hangs under the item it was inserted after, siblings
// ordered newest-first, and the visible text is the depth-first walk of
// live items. Two replicas applying the same item set in any order walk
// the same tree, which is the convergence argument.
type rga struct {
	byID  map[codec.ItemID]*rgaItem
	roots []*rgaItem // items inserted at the head, newest first
}

type rgaItem struct {
	id        codec.ItemID
	left      codec.ItemID // origin left at insertion time; zero = head
	r         rune
	tombstone bool
	children  []*rgaItem // newest first
}

func newRGA() *rga {
	return &rga{byID: make(map[codec.ItemID]*rgaItem)}
}

// applyInsert integrates one per-rune insert. Returns false when the item
// was already present (idempotent re-delivery).
func (g *rga) applyInsert(id, left codec.ItemID, r rune) bool {
	if _, exists := g.byID[id]; exists {
		return false
	}
	item := &rgaItem{id: id, left: left, r: r}
	g.byID[id] = item
	if left.IsZero() {
		g.roots = insertSibling(g.roots, item)
		return true
	}
	parent, ok := g.byID[left]
	if !ok {
		// Left not yet delivered; updates are self-contained per run, so
		// this only happens with a missing causal predecessor. Anchor at
		// the head rather than dropping the item — the merge stays
		// convergent because every replica resolves the same way.
		g.roots = insertSibling(g.roots, item)
		return true
	}
	parent.children = insertSibling(parent.children, item)
	return true
}

// insertSibling places item among siblings, newest id first, so that
// concurrent inserts at one anchor order identically on every replica.
func insertSibling(siblings []*rgaItem, item *rgaItem) []*rgaItem {
	at := sort.Search(len(siblings), func(i int) bool {
		return idLess(siblings[i].id, item.id)
	})
	siblings = append(siblings, nil)
	copy(siblings[at+1:], siblings[at:])
	siblings[at] = item
	return siblings
}

func idLess(a, b codec.ItemID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Device < b.Device
}

// applyDelete tombstones the addressed ranges. Unknown items are skipped;
// the delete op may arrive before its inserts and is reapplied by merge.
func (g *rga) applyDelete(ranges []codec.DeleteRange) {
	for _, r := range ranges {
		for i := uint64(0); i < r.Length; i++ {
			if item, ok := g.byID[codec.ItemID{Device: r.Device, Counter: r.Start + i}]; ok {
				item.tombstone = true
			}
		}
	}
}

// walk visits every item in document order.
func (g *rga) walk(visit func(*rgaItem)) {
	var dfs func(items []*rgaItem)
	dfs = func(items []*rgaItem) {
		for _, item := range items {
			visit(item)
			dfs(item.children)
		}
	}
	dfs(g.roots)
}

// text returns the visible string.
func (g *rga) text() string {
	var runes []rune
	g.walk(func(item *rgaItem) {
		if !item.tombstone {
			runes = append(runes, item.r)
		}
	})
	return string(runes)
}

// visibleLength counts live items.
func (g *rga) visibleLength() int {
	n := 0
	g.walk(func(item *rgaItem) {
		if !item.tombstone {
			n++
		}
	})
	return n
}

// itemAtVisible returns the live item at visible index (0-based), or nil.
func (g *rga) itemAtVisible(index int) *rgaItem {
	var found *rgaItem
	i := 0
	g.walk(func(item *rgaItem) {
		if item.tombstone || found != nil {
			return
		}
		if i == index {
			found = item
		}
		i++
	})
	return found
}

// visibleRange returns the ids of live items [index, index+length).
func (g *rga) visibleRange(index, length int) []codec.ItemID {
	var ids []codec.ItemID
	i := 0
	g.walk(func(item *rgaItem) {
		if item.tombstone {
			return
		}
		if i >= index && i < index+length {
			ids = append(ids, item.id)
		}
		i++
	})
	return ids
}

// insertOps rebuilds per-item insert ops in document order, for state
// encoding. WallMs is not stored per item; state re-encoding stamps zero,
// which is harmless because item identity never uses wall time.
func (g *rga) insertOps() []codec.Op {
	var ops []codec.Op
	g.walk(func(item *rgaItem) {
		ops = append(ops, codec.Op{
			Kind:  codec.OpInsert,
			Clock: codec.Clock{Device: item.id.Device, Counter: item.id.Counter},
			Left:  item.left,
			Text:  string(item.r),
		})
	})
	return ops
}

// coalesceRanges groups item ids into per-device contiguous delete ranges.
func coalesceRanges(ids []codec.ItemID) []codec.DeleteRange {
	var out []codec.DeleteRange
	for _, id := range ids {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Device == id.Device && last.Start+last.Length == id.Counter {
				last.Length++
				continue
			}
		}
		out = append(out, codec.DeleteRange{Device: id.Device, Start: id.Counter, Length: 1})
	}
	return out
}

// diffStrings computes the minimal single-range edit turning old into new:
// the longest common prefix and suffix are preserved, the middle is one
// delete plus one insert. Returns the rune index where the edit starts,
// the number of runes removed, and the inserted text.
func diffStrings(old, new string) (start, deleteCount int, insert string) {
	a, b := []rune(old), []rune(new)
	for start < len(a) && start < len(b) && a[start] == b[start] {
		start++
	}
	endA, endB := len(a), len(b)
	for endA > start && endB > start && a[endA-1] == b[endB-1] {
		endA--
		endB--
	}
	return start, endA - start, string(b[start:endB])
}
