package batch

import (
	"fmt"
	"sort"
	"time"
)

// Thread is the minimal view of a store.Thread a grouper needs. It is
// declared here (rather than imported from pkg/store) to keep the
// grouper free of a store dependency — it is a pure function.
type Thread struct {
	ID          string
	CollectionID string // payload's collection id, empty if none
	Asat        time.Time
}

// ThreadGroup is a transient value: a stable group id plus the ordered
// thread list it covers.
type ThreadGroup struct {
	GroupID string
	Threads []Thread
}

// Grouper partitions an ordered thread list into groups. Implementations
// must be pure and deterministic: same input, same output, element-wise.
type Grouper interface {
	Group(threads []Thread) ([]ThreadGroup, error)
}

// WindowConfig configures WindowGrouper.
type WindowConfig struct {
	WindowDays  int
	OverlapDays int
	MinMemories int // 0 means "use EffectiveMinMemories"
	MaxMemories int // 0 means "use EffectiveMaxMemories"
}

// NewWindowConfig validates and constructs a WindowConfig. overlap_days
// must be strictly less than window_days — equal values would make the
// step zero and the sliding window never advance.
func NewWindowConfig(windowDays, overlapDays int) (WindowConfig, error) {
	if windowDays < 1 {
		return WindowConfig{}, fmt.Errorf("window_days must be >= 1, got %d", windowDays)
	}
	if overlapDays >= windowDays {
		return WindowConfig{}, fmt.Errorf("overlap_days (%d) must be < window_days (%d)", overlapDays, windowDays)
	}
	return WindowConfig{WindowDays: windowDays, OverlapDays: overlapDays}, nil
}

// Step is the number of days the window advances each iteration.
func (c WindowConfig) Step() int {
	return c.WindowDays - c.OverlapDays
}

// EffectiveMinMemories mirrors original_source's default of
// max(1, window_days) when MinMemories is unset.
func (c WindowConfig) EffectiveMinMemories() int {
	if c.MinMemories > 0 {
		return c.MinMemories
	}
	if c.WindowDays > 1 {
		return c.WindowDays
	}
	return 1
}

// EffectiveMaxMemories mirrors original_source's default of
// max(5, window_days*3) when MaxMemories is unset.
func (c WindowConfig) EffectiveMaxMemories() int {
	if c.MaxMemories > 0 {
		return c.MaxMemories
	}
	if v := c.WindowDays * 3; v > 5 {
		return v
	}
	return 5
}

// WindowGrouper partitions threads into sliding date windows.
type WindowGrouper struct {
	Config WindowConfig
}

const dayLayout = "2006-01-02"

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Group implements Grouper.
func (g WindowGrouper) Group(threads []Thread) ([]ThreadGroup, error) {
	if len(threads) == 0 {
		return nil, nil
	}

	sorted := make([]Thread, len(threads))
	copy(sorted, threads)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Asat.Before(sorted[j].Asat) })

	minDate := dateOnly(sorted[0].Asat)
	maxDate := minDate
	for _, t := range sorted {
		d := dateOnly(t.Asat)
		if d.After(maxDate) {
			maxDate = d
		}
	}

	step := time.Duration(g.Config.Step()) * 24 * time.Hour
	windowSpan := time.Duration(g.Config.WindowDays-1) * 24 * time.Hour

	var groups []ThreadGroup
	for start := minDate; !start.After(maxDate); start = start.Add(step) {
		end := start.Add(windowSpan)

		var members []Thread
		for _, t := range sorted {
			d := dateOnly(t.Asat)
			if !d.Before(start) && !d.After(end) {
				members = append(members, t)
			}
		}
		if len(members) > 0 {
			groups = append(groups, ThreadGroup{
				GroupID: fmt.Sprintf("%s/%s", start.Format(dayLayout), end.Format(dayLayout)),
				Threads: members,
			})
		}
	}

	return groups, nil
}

// CollectionGrouper partitions threads by their payload's collection id.
// Threads without one form singleton groups keyed by the thread's own id.
type CollectionGrouper struct{}

// Group implements Grouper.
func (CollectionGrouper) Group(threads []Thread) ([]ThreadGroup, error) {
	if len(threads) == 0 {
		return nil, nil
	}

	byCollection := make(map[string][]Thread)
	var order []string
	for _, t := range threads {
		key := t.CollectionID
		if key == "" {
			key = t.ID
		}
		if _, seen := byCollection[key]; !seen {
			order = append(order, key)
		}
		byCollection[key] = append(byCollection[key], t)
	}

	groups := make([]ThreadGroup, 0, len(order))
	for _, key := range order {
		members := byCollection[key]
		sort.SliceStable(members, func(i, j int) bool { return members[i].Asat.Before(members[j].Asat) })
		groups = append(groups, ThreadGroup{GroupID: key, Threads: members})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Threads[0].Asat.Before(groups[j].Threads[0].Asat)
	})

	return groups, nil
}
