// Package order maintains the dense position invariant for one column of one
// board: positions always form the contiguous sequence 0..n-1. Each mutation
// returns the minimal set of changed (task, position) pairs, leaving
// unaffected tasks untouched.
package order

import (
	"sort"

	"collab-api/domain"
)

// Collection is an ordered view of a single column's task ids. The slice
// index of an id is its position.
type Collection struct {
	ids []string
}

// New builds a collection from ids already listed in position order.
func New(ids []string) *Collection {
	c := &Collection{ids: make([]string, len(ids))}
	copy(c.ids, ids)
	return c
}

// FromTasks builds a collection from a column's tasks, ordering by the
// persisted position field.
func FromTasks(tasks []domain.Task) *Collection {
	sorted := make([]domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	ids := make([]string, len(sorted))
	for i, t := range sorted {
		ids[i] = t.ID
	}
	return &Collection{ids: ids}
}

// Len reports the number of tasks in the column.
func (c *Collection) Len() int { return len(c.ids) }

// IDs returns the ids in position order.
func (c *Collection) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// IndexOf returns the position of id, or -1 when absent.
func (c *Collection) IndexOf(id string) int {
	for i, v := range c.ids {
		if v == id {
			return i
		}
	}
	return -1
}

// InsertAt places id at index and shifts every task at or after index up by
// one. The returned changes cover the shifted siblings only; the inserted
// task's position equals index. Indices outside [0, n] are rejected, not
// silently corrected.
func (c *Collection) InsertAt(id string, index int) ([]domain.PositionChange, error) {
	n := len(c.ids)
	if index < 0 || index > n {
		return nil, domain.ErrInvalidRange
	}
	changes := make([]domain.PositionChange, 0, n-index)
	for i := index; i < n; i++ {
		changes = append(changes, domain.PositionChange{TaskID: c.ids[i], Position: i + 1})
	}
	c.ids = append(c.ids, "")
	copy(c.ids[index+1:], c.ids[index:])
	c.ids[index] = id
	return changes, nil
}

// RemoveAt deletes the task at index and compacts the column, shifting every
// task after it down by one. It returns the removed id and the shifted
// siblings.
func (c *Collection) RemoveAt(index int) (string, []domain.PositionChange, error) {
	n := len(c.ids)
	if index < 0 || index >= n {
		return "", nil, domain.ErrInvalidRange
	}
	removed := c.ids[index]
	changes := make([]domain.PositionChange, 0, n-index-1)
	for i := index + 1; i < n; i++ {
		changes = append(changes, domain.PositionChange{TaskID: c.ids[i], Position: i - 1})
	}
	c.ids = append(c.ids[:index], c.ids[index+1:]...)
	return removed, changes, nil
}

// Relocate moves the task at from to to within the column. Moving forward
// shifts the open interval (from, to] down by one; moving backward shifts
// [to, from) up by one. The changes include the relocated task itself.
// Relocating to the same index is a no-op returning no changes.
func (c *Collection) Relocate(from, to int) ([]domain.PositionChange, error) {
	n := len(c.ids)
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, domain.ErrInvalidRange
	}
	if from == to {
		return nil, nil
	}
	moved := c.ids[from]
	var changes []domain.PositionChange
	if from < to {
		for i := from + 1; i <= to; i++ {
			changes = append(changes, domain.PositionChange{TaskID: c.ids[i], Position: i - 1})
		}
		copy(c.ids[from:], c.ids[from+1:to+1])
	} else {
		for i := to; i < from; i++ {
			changes = append(changes, domain.PositionChange{TaskID: c.ids[i], Position: i + 1})
		}
		copy(c.ids[to+1:], c.ids[to:from])
	}
	c.ids[to] = moved
	changes = append(changes, domain.PositionChange{TaskID: moved, Position: to})
	return changes, nil
}
