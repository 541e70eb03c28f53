package task

import "testing"

func TestBuildForest(t *testing.T) {
	a, b, c := "a", "b", "gone"
	rows := []*Task{
		{ID: "a"},
		{ID: "b", ParentID: &a},
		{ID: "c", ParentID: &b},
		{ID: "d", ParentID: &c},
		{ID: "e"},
	}
	forest := BuildForest(rows)
	if len(forest) != 3 || forest[0].ID != "a" || forest[1].ID != "d" || forest[2].ID != "e" {
		t.Fatalf("roots = %v", ids(forest))
	}
	if len(forest[0].Children) != 1 || forest[0].Children[0].Children[0].ID != "c" {
		t.Errorf("a subtree malformed")
	}
}

func TestRunningOrPaused(t *testing.T) {
	start := int64(5)
	paused := &Task{ID: "p", IsPaused: true}
	running := &Task{ID: "r", IsRunning: true, StartTime: &start}
	forest := []*Task{{ID: "root", Children: []*Task{paused}}, {ID: "x", Children: []*Task{running}}}

	if got := RunningOrPaused(forest); got != running {
		t.Errorf("got %v, want running task", got)
	}
	running.IsRunning, running.StartTime = false, nil
	if got := RunningOrPaused(forest); got != paused {
		t.Errorf("got %v, want paused task", got)
	}
	paused.IsPaused = false
	if got := RunningOrPaused(forest); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestRollupAndStats(t *testing.T) {
	start := int64(0)
	leaf := &Task{ID: "leaf", ElapsedTime: 7, IsRunning: true, StartTime: &start}
	mid := &Task{ID: "mid", ElapsedTime: 3, Children: []*Task{leaf}}
	root := &Task{ID: "root", ElapsedTime: 10, Children: []*Task{mid}}
	solo := &Task{ID: "solo", ElapsedTime: 1}

	if got := RollupElapsedTime(root); got != 20 {
		t.Errorf("RollupElapsedTime = %d, want 20", got)
	}
	if got := TreeDepth(root); got != 3 {
		t.Errorf("TreeDepth = %d, want 3", got)
	}

	st := ComputeStats([]*Task{root, solo})
	want := Stats{TotalTasks: 4, TopLevelTasks: 2, TasksWithChildren: 2, MaxDepth: 3, TotalTime: 21}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}

func ids(forest []*Task) []string {
	var out []string
	for _, t := range forest {
		out = append(out, t.ID)
	}
	return out
}
