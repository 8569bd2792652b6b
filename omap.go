package rvi

import (
	"cmp"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic map: like Go's builtin map but
// range-iterable in sorted key order, so registry snapshots
// come out in a repeatable order. get/set/delete are
// O(log n) per the underlying red-black tree.
//
// Like the built-in map, omap does no internal locking.
// The Context serializes access for us.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) get(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if !found {
		return
	}
	return it.Item().(*okv[K, V]).val, true
}

// set is an upsert: insert if absent (newlyAdded true),
// otherwise update the value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		it.Item().(*okv[K, V]).val = val
		return false
	}
	s.tree.InsertGetIt(query)
	return true
}

// delkey deletes a key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return found
}

// deleteAll clears the tree in O(1) time.
func (s *omap[K, V]) deleteAll() {
	s.tree.DeleteAll()
}

// all iterates key order. Deleting the key currently
// yielded is safe; the iteration position survives because
// we advance before yielding is observed again.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}
