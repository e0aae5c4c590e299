package cachecore

import "container/list"

// list2 is a small LRU-order helper over container/list, used by the disk
// tier to pick eviction victims. Kept separate from Memory's own list use
// because the disk tier's eviction unit is a key, not a struct carrying the
// value itself (the value lives in the segment file, not in memory).
type list2 struct {
	l    *list.List
	elem map[string]*list.Element
}

func newList2() *list2 {
	return &list2{l: list.New(), elem: make(map[string]*list.Element)}
}

func (q *list2) pushNewest(key string) {
	q.elem[key] = q.l.PushFront(key)
}

func (q *list2) touch(key string) {
	if e, ok := q.elem[key]; ok {
		q.l.MoveToFront(e)
	}
}

func (q *list2) remove(key string) {
	if e, ok := q.elem[key]; ok {
		q.l.Remove(e)
		delete(q.elem, key)
	}
}

func (q *list2) popOldest() string {
	back := q.l.Back()
	if back == nil {
		return ""
	}
	key := back.Value.(string)
	q.l.Remove(back)
	delete(q.elem, key)
	return key
}

func (q *list2) len() int { return q.l.Len() }
