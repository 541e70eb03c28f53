package task

// BuildForest links flat rows into a forest through ParentID. Input order is
// preserved among siblings. Rows whose parent is not present become roots.
func BuildForest(rows []*Task) []*Task {
	byID := make(map[string]*Task, len(rows))
	for _, t := range rows {
		t.Children = nil
		byID[t.ID] = t
	}
	var roots []*Task
	for _, t := range rows {
		if t.ParentID != nil {
			if parent, ok := byID[*t.ParentID]; ok {
				parent.Children = append(parent.Children, t)
				continue
			}
		}
		roots = append(roots, t)
	}
	return roots
}

// Walk visits every node depth-first, parents before children, and stops
// as soon as fn returns false.
func Walk(forest []*Task, fn func(*Task) bool) bool {
	for _, t := range forest {
		if !fn(t) {
			return false
		}
		if !Walk(t.Children, fn) {
			return false
		}
	}
	return true
}

// RunningOrPaused returns the first actively running task in depth-first
// order, falling back to the first paused one. It returns nil when neither
// exists.
func RunningOrPaused(forest []*Task) *Task {
	var running, paused *Task
	Walk(forest, func(t *Task) bool {
		if t.IsRunning && !t.IsPaused {
			running = t
			return false
		}
		if t.IsPaused && paused == nil {
			paused = t
		}
		return true
	})
	if running != nil {
		return running
	}
	return paused
}

// RollupElapsedTime sums the stored ElapsedTime of t and all descendants.
// The live delta of a running task is not included.
func RollupElapsedTime(t *Task) int64 {
	total := t.ElapsedTime
	for _, c := range t.Children {
		total += RollupElapsedTime(c)
	}
	return total
}

// TreeDepth returns the number of levels in the subtree rooted at t.
func TreeDepth(t *Task) int {
	deepest := 0
	for _, c := range t.Children {
		if d := TreeDepth(c); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// ComputeStats summarises a forest.
func ComputeStats(forest []*Task) Stats {
	st := Stats{TopLevelTasks: len(forest)}
	for _, root := range forest {
		st.TotalTime += RollupElapsedTime(root)
		if d := TreeDepth(root); d > st.MaxDepth {
			st.MaxDepth = d
		}
	}
	Walk(forest, func(t *Task) bool {
		st.TotalTasks++
		if len(t.Children) > 0 {
			st.TasksWithChildren++
		}
		return true
	})
	return st
}
