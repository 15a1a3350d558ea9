package tree

import (
	"go.uber.org/zap"

	"loom-backend/internal/domain/events"
	"loom-backend/internal/domain/shared"
)

// Observer receives one TreeChanged per logical operation.
type Observer func(events.TreeChanged)

type observer struct {
	id int
	fn Observer
}

// Subscribe registers an observer and returns a function that removes it.
func (t *Tree) Subscribe(fn Observer) (unsubscribe func()) {
	t.nextObserver++
	id := t.nextObserver
	t.observers = append(t.observers, observer{id: id, fn: fn})
	return func() {
		for i, o := range t.observers {
			if o.id == id {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				return
			}
		}
	}
}

// Version returns the number of change notifications emitted so far.
func (t *Tree) Version() int { return t.version }

// emit normalizes the accumulated changes and notifies observers. Empty change
// sets are dropped.
func (t *Tree) emit(cs *changeSet) {
	if cs == nil {
		return
	}
	added, edited, deleted := cs.normalize()
	if len(added) == 0 && len(edited) == 0 && len(deleted) == 0 {
		return
	}
	t.version++
	evt := events.NewTreeChanged(t.rootID, cs.op, t.version, added, edited, deleted, t.now())
	t.logger.Debug("Tree changed",
		zap.String("operation", cs.op),
		zap.Int("added", len(added)),
		zap.Int("edited", len(edited)),
		zap.Int("deleted", len(deleted)),
	)
	observers := make([]observer, len(t.observers))
	copy(observers, t.observers)
	for _, o := range observers {
		o.fn(evt)
	}
}

// changeSet accumulates the ids touched during one Update.
type changeSet struct {
	op      string
	add     []shared.NodeID
	edit    []shared.NodeID
	del     []shared.NodeID
	addSet  map[shared.NodeID]struct{}
	editSet map[shared.NodeID]struct{}
	delSet  map[shared.NodeID]struct{}
}

func newChangeSet(op string) *changeSet {
	return &changeSet{
		op:      op,
		addSet:  make(map[shared.NodeID]struct{}),
		editSet: make(map[shared.NodeID]struct{}),
		delSet:  make(map[shared.NodeID]struct{}),
	}
}

func (c *changeSet) added(id shared.NodeID) {
	if _, ok := c.addSet[id]; ok {
		return
	}
	c.addSet[id] = struct{}{}
	c.add = append(c.add, id)
}

func (c *changeSet) edited(id shared.NodeID) {
	if _, ok := c.editSet[id]; ok {
		return
	}
	c.editSet[id] = struct{}{}
	c.edit = append(c.edit, id)
}

func (c *changeSet) deleted(id shared.NodeID) {
	if _, ok := c.delSet[id]; ok {
		return
	}
	c.delSet[id] = struct{}{}
	c.del = append(c.del, id)
}

// normalize folds the raw lists: a node added and deleted in the same
// operation is not reported; a deleted node is reported only as deleted; an
// added node is reported only as added.
func (c *changeSet) normalize() (added, edited, deleted []shared.NodeID) {
	added = []shared.NodeID{}
	edited = []shared.NodeID{}
	deleted = []shared.NodeID{}
	for _, id := range c.add {
		if _, gone := c.delSet[id]; !gone {
			added = append(added, id)
		}
	}
	for _, id := range c.edit {
		_, isNew := c.addSet[id]
		_, gone := c.delSet[id]
		if !isNew && !gone {
			edited = append(edited, id)
		}
	}
	for _, id := range c.del {
		if _, isNew := c.addSet[id]; !isNew {
			deleted = append(deleted, id)
		}
	}
	return added, edited, deleted
}
