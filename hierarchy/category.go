package hierarchy

import (
	"sort"
	"strings"

	"github.com/GoCodeAlone/tempo/task"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MaxCategoryDepth is the number of path segments used for grouping.
const MaxCategoryDepth = 3

// Uncategorized groups tasks with an empty category path.
const Uncategorized = "uncategorized"

// CategoryGroup is a display-only rollup of tasks sharing a category prefix.
type CategoryGroup struct {
	Name         string           `json:"name"`
	Path         string           `json:"path"`
	Label        string           `json:"label"`
	TotalTime    int64            `json:"total_time"`
	RunningCount int              `json:"running_count"`
	TaskIDs      []string         `json:"task_ids"`
	Children     []*CategoryGroup `json:"children,omitempty"`
}

// GroupByCategory groups every task of the forest by the first three
// slash-separated segments of its CategoryPath. A task counts toward every
// level of its own path; times are live as of now.
func GroupByCategory(forest []*task.Task, now int64) []*CategoryGroup {
	title := cases.Title(language.Und)
	roots := map[string]*CategoryGroup{}
	var order []*CategoryGroup

	for _, t := range Flatten(forest) {
		segments := splitCategory(t.CategoryPath)
		level := roots
		var parent *CategoryGroup
		for i, seg := range segments {
			g, ok := level[seg]
			if !ok {
				g = &CategoryGroup{
					Name:    seg,
					Path:    strings.Join(segments[:i+1], "/"),
					Label:   title.String(seg),
					TaskIDs: []string{},
				}
				level[seg] = g
				if parent == nil {
					order = append(order, g)
				} else {
					parent.Children = append(parent.Children, g)
				}
			}
			g.TotalTime += LiveElapsed(t, now)
			if t.IsRunning && !t.IsPaused {
				g.RunningCount++
			}
			g.TaskIDs = append(g.TaskIDs, t.ID)

			parent = g
			level = childIndex(g)
		}
	}

	sortGroups(order)
	return order
}

func splitCategory(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
		if len(segs) == MaxCategoryDepth {
			break
		}
	}
	if len(segs) == 0 {
		return []string{Uncategorized}
	}
	return segs
}

// childIndex builds a lookup over g's current children. New groups are
// recorded in g.Children, so the index may be discarded after use.
func childIndex(g *CategoryGroup) map[string]*CategoryGroup {
	idx := make(map[string]*CategoryGroup, len(g.Children))
	for _, c := range g.Children {
		idx[c.Name] = c
	}
	return idx
}

func sortGroups(groups []*CategoryGroup) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	for _, g := range groups {
		sortGroups(g.Children)
	}
}
