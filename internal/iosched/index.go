package iosched

import (
	"sync"

	"github.com/google/btree"
)

const indexDegree = 32

func byID(a, b *Task) bool {
	return a.ID < b.ID
}

// index holds the admitted task of every logical id with I/O in flight.
type index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Task]
}

func newIndex() *index {
	return &index{tree: btree.NewG(indexDegree, byID)}
}

// insert admits t unless another task owns its id, in which case the owner
// is returned.
func (x *index) insert(t *Task) (*Task, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if owner, ok := x.tree.Get(t); ok {
		return owner, false
	}
	x.tree.ReplaceOrInsert(t)
	t.admitted = true
	return t, true
}

// insertOrAttach admits t, or attaches it as a dependent of the task that
// owns its id.
func (x *index) insertOrAttach(t *Task) (*Task, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if owner, ok := x.tree.Get(t); ok {
		owner.dependents = append(owner.dependents, t)
		return owner, false
	}
	x.tree.ReplaceOrInsert(t)
	t.admitted = true
	return t, true
}

// remove retires t from the index and returns its dependents.
func (x *index) remove(t *Task) []*Task {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !t.admitted {
		return nil
	}
	if owner, ok := x.tree.Get(t); ok && owner == t {
		x.tree.Delete(t)
	}
	t.admitted = false
	deps := t.dependents
	t.dependents = nil
	return deps
}

func (x *index) owns(t *Task) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return t.admitted
}

func (x *index) hasDependents(t *Task) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(t.dependents) > 0
}

func (x *index) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree.Len()
}
