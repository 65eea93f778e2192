package memories

import (
	"fmt"
	"sort"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
)

// GroupContext is the per-day-grouped view of a group's threads the
// prompt builder assembles before rendering one PromptItem. Mirrors
// original_source/context_use/memories/prompt.py's day-grouping and
// asset-ordering shape, supplemented here since the distilled spec is
// silent on prompt mechanics but the manager must call something that
// produces one PromptItem per group.
type GroupContext struct {
	GroupID  string
	Days     []DayContext
	MinCount int
	MaxCount int
}

// DayContext groups a single calendar day's previews and asset paths.
type DayContext struct {
	Date    string
	Entries []string
	Assets  []string
}

// ResponseSchema is the structured-output shape requested from the LLM
// for memory generation: one memories list per group.
type ResponseSchema struct {
	Memories []MemoryFragment `json:"memories"`
}

// MemoryFragment is one LLM-authored memory before it is persisted.
type MemoryFragment struct {
	Content  string `json:"content"`
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
}

// BuildPromptItems constructs one llmjob.PromptItem per group, grouping
// each group's threads by calendar day and labelling image assets
// "[Image N]" in arrival order, then injecting the grouper's effective
// min/max memory counts into the response schema expectation.
func BuildPromptItems(groups []batch.ThreadGroup, windowCfg batch.WindowConfig, threadText func(threadID string) (preview string, assetURI string)) []llmjob.PromptItem {
	items := make([]llmjob.PromptItem, 0, len(groups))
	for _, g := range groups {
		gc := buildGroupContext(g, windowCfg, threadText)
		items = append(items, llmjob.PromptItem{
			ItemID:         g.GroupID,
			Prompt:         renderPrompt(gc),
			ResponseSchema: ResponseSchema{},
			AssetPaths:     collectAssets(gc),
		})
	}
	return items
}

func buildGroupContext(g batch.ThreadGroup, windowCfg batch.WindowConfig, threadText func(string) (string, string)) GroupContext {
	byDay := make(map[string]*DayContext)
	var order []string
	for _, t := range g.Threads {
		day := t.Asat.UTC().Format("2006-01-02")
		dc, ok := byDay[day]
		if !ok {
			dc = &DayContext{Date: day}
			byDay[day] = dc
			order = append(order, day)
		}
		preview, asset := threadText(t.ID)
		if preview != "" {
			dc.Entries = append(dc.Entries, preview)
		}
		if asset != "" {
			dc.Assets = append(dc.Assets, asset)
		}
	}
	sort.Strings(order)

	days := make([]DayContext, 0, len(order))
	for _, d := range order {
		days = append(days, *byDay[d])
	}

	return GroupContext{
		GroupID:  g.GroupID,
		Days:     days,
		MinCount: windowCfg.EffectiveMinMemories(),
		MaxCount: windowCfg.EffectiveMaxMemories(),
	}
}

func collectAssets(gc GroupContext) []string {
	var assets []string
	for _, d := range gc.Days {
		assets = append(assets, d.Assets...)
	}
	return assets
}

// renderPrompt assembles the mechanical shape of the prompt text: one
// section per day, with image assets labelled in arrival order. The
// system/persona instructions themselves are out of scope (profile
// prompt assembly is excluded by spec.md §1); this only builds the
// data section and the min/max instruction the manager must send.
func renderPrompt(gc GroupContext) string {
	out := fmt.Sprintf("group %s (generate between %d and %d memories)\n", gc.GroupID, gc.MinCount, gc.MaxCount)
	imageN := 0
	for _, d := range gc.Days {
		out += fmt.Sprintf("\n## %s\n", d.Date)
		for _, e := range d.Entries {
			out += "- " + e + "\n"
		}
		for range d.Assets {
			imageN++
			out += fmt.Sprintf("[Image %d]\n", imageN)
		}
	}
	return out
}
