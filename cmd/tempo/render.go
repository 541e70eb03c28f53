package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/GoCodeAlone/tempo/client"
	"github.com/GoCodeAlone/tempo/hierarchy"
	"github.com/GoCodeAlone/tempo/orchestrator"
	"github.com/GoCodeAlone/tempo/task"
)

// printTree writes one line per task, children indented under parents.
func printTree(w io.Writer, forest []*task.Task, now int64) {
	if len(forest) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	var walk func(ts []*task.Task, depth int)
	walk = func(ts []*task.Task, depth int) {
		for _, t := range ts {
			width := max(30-2*depth, 8)
			fmt.Fprintf(w, "%s%-*s %-10s %9s  %s\n",
				strings.Repeat("  ", depth),
				width, truncate(t.Name, width),
				stateLabel(t),
				formatSeconds(hierarchy.LiveRollup(t, now)),
				t.ID,
			)
			walk(t.Children, depth+1)
		}
	}
	walk(forest, 0)
}

func printCategories(w io.Writer, groups []*hierarchy.CategoryGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	var walk func(gs []*hierarchy.CategoryGroup, depth int)
	walk = func(gs []*hierarchy.CategoryGroup, depth int) {
		for _, g := range gs {
			running := ""
			if g.RunningCount > 0 {
				running = fmt.Sprintf("  (%d running)", g.RunningCount)
			}
			fmt.Fprintf(w, "%s%-24s %9s  %d task(s)%s\n",
				strings.Repeat("  ", depth), g.Label, formatSeconds(g.TotalTime), len(g.TaskIDs), running)
			walk(g.Children, depth+1)
		}
	}
	walk(groups, 0)
}

func stateLabel(t *task.Task) string {
	return string(task.StateOf(t))
}

func liveElapsed(t *task.Task) int64 {
	return hierarchy.LiveElapsed(t, time.Now().Unix())
}

// formatSeconds renders seconds as h:mm:ss.
func formatSeconds(sec int64) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", sec/3600, sec/60%60, sec%60)
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n < 2 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// explain turns domain errors into the messages shown to the user.
func explain(err error) string {
	if id, ok := task.ConflictTaskID(err); ok {
		return fmt.Sprintf("task %s was changed elsewhere; run `tempo tree` and retry", id)
	}
	switch {
	case errors.Is(err, task.ErrNotFound):
		return "task not found"
	case errors.Is(err, client.ErrUnauthorized):
		return "not logged in or token expired; run `tempo login`"
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return err.Error()
	case orchestrator.IsTransport(err):
		return fmt.Sprintf("could not reach the server (%v); nothing can be assumed about partial changes, run `tempo tree`", errors.Unwrap(err))
	default:
		return err.Error()
	}
}
