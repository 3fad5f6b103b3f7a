package plan

// Queue is the FIFO of pending items. Dispatch order is plan order; retried
// items re-enter at the back so one bad combo cannot starve the pool.
type Queue struct {
	items []*Item
}

func NewQueue(items []*Item) *Queue {
	q := &Queue{items: make([]*Item, len(items))}
	copy(q.items, items)
	return q
}

func (q *Queue) Len() int { return len(q.items) }

// Pop removes and returns the front item.
func (q *Queue) Pop() (*Item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// PushBack requeues an item at the back.
func (q *Queue) PushBack(it *Item) {
	q.items = append(q.items, it)
}

// Drain removes and returns every queued item, front first.
func (q *Queue) Drain() []*Item {
	out := q.items
	q.items = nil
	return out
}
