// Package hierarchy provides pure functions over in-memory task forests.
// None of them mutate their input; transforms build new nodes.
package hierarchy

import (
	"github.com/GoCodeAlone/tempo/task"
)

// FindByID returns the node with the given id, searching depth-first.
func FindByID(forest []*task.Task, id string) *task.Task {
	var found *task.Task
	task.Walk(forest, func(t *task.Task) bool {
		if t.ID == id {
			found = t
			return false
		}
		return true
	})
	return found
}

// FindAllRunning returns every actively running node except excludeID, in
// depth-first order.
func FindAllRunning(forest []*task.Task, excludeID string) []*task.Task {
	var running []*task.Task
	task.Walk(forest, func(t *task.Task) bool {
		if t.IsRunning && !t.IsPaused && t.ID != excludeID {
			running = append(running, t)
		}
		return true
	})
	return running
}

// MapTree returns a forest of the same shape where each node is fn applied
// to a fresh copy of the original node. fn may modify the copy it receives.
func MapTree(forest []*task.Task, fn func(*task.Task) *task.Task) []*task.Task {
	if forest == nil {
		return nil
	}
	out := make([]*task.Task, 0, len(forest))
	for _, t := range forest {
		mapped := fn(t.Clone())
		mapped.Children = MapTree(t.Children, fn)
		out = append(out, mapped)
	}
	return out
}

// Clone deep-copies a forest.
func Clone(forest []*task.Task) []*task.Task {
	return MapTree(forest, func(t *task.Task) *task.Task { return t })
}

// Flatten lists every node depth-first, parents before children.
func Flatten(forest []*task.Task) []*task.Task {
	var all []*task.Task
	task.Walk(forest, func(t *task.Task) bool {
		all = append(all, t)
		return true
	})
	return all
}

// LiveElapsed returns the elapsed seconds of t as of now, including the
// current run for a running task.
func LiveElapsed(t *task.Task, now int64) int64 {
	if t.IsRunning && !t.IsPaused && t.StartTime != nil && now > *t.StartTime {
		return t.ElapsedTime + now - *t.StartTime
	}
	return t.ElapsedTime
}

// LiveRollup is RollupElapsedTime including the running delta.
func LiveRollup(t *task.Task, now int64) int64 {
	total := LiveElapsed(t, now)
	for _, c := range t.Children {
		total += LiveRollup(c, now)
	}
	return total
}

// Remove returns a copy of the forest without the node id and its subtree.
func Remove(forest []*task.Task, id string) []*task.Task {
	var out []*task.Task
	for _, t := range forest {
		if t.ID == id {
			continue
		}
		c := t.Clone()
		c.Children = Remove(t.Children, id)
		out = append(out, c)
	}
	return out
}

// Insert returns a copy of the forest with n appended under its parent, or
// as a root when the parent is absent.
func Insert(forest []*task.Task, n *task.Task) []*task.Task {
	out := Clone(forest)
	added := n.Clone()
	if n.ParentID != nil {
		if parent := FindByID(out, *n.ParentID); parent != nil {
			parent.Children = append(parent.Children, added)
			return out
		}
	}
	return append(out, added)
}
