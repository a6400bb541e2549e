package usage

import (
	"sort"
	"time"
)

// AggregateDaily groups records by local calendar day, oldest first.
func AggregateDaily(records []CompletionRecord) []DailyUsage {
	if len(records) == 0 {
		return nil
	}

	byDate := make(map[string]*DailyUsage)
	for _, r := range records {
		date := r.Timestamp.Local().Format("2006-01-02")
		daily, ok := byDate[date]
		if !ok {
			daily = &DailyUsage{Date: date}
			byDate[date] = daily
		}

		daily.Runs++
		daily.InputTokens += r.InputTokens
		daily.OutputTokens += r.OutputTokens
		daily.Steps += r.StepCount
		if r.Error != "" {
			daily.Failed++
		}
		daily.Records = append(daily.Records, r)
		daily.ModelsUsed = addUnique(daily.ModelsUsed, r.Model)
	}

	result := make([]DailyUsage, 0, len(byDate))
	for _, daily := range byDate {
		result = append(result, *daily)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date < result[j].Date
	})
	return result
}

// GetModelBreakdown returns token usage per model, largest first.
func GetModelBreakdown(records []CompletionRecord) []ModelBreakdown {
	byModel := make(map[string]*ModelBreakdown)
	for _, r := range records {
		model := r.Model
		if model == "" {
			model = "unknown"
		}
		mb, ok := byModel[model]
		if !ok {
			mb = &ModelBreakdown{Model: model}
			byModel[model] = mb
		}
		mb.Runs++
		mb.InputTokens += r.InputTokens
		mb.OutputTokens += r.OutputTokens
	}

	result := make([]ModelBreakdown, 0, len(byModel))
	for _, mb := range byModel {
		result = append(result, *mb)
	}
	sort.Slice(result, func(i, j int) bool {
		iTotal := result[i].InputTokens + result[i].OutputTokens
		jTotal := result[j].InputTokens + result[j].OutputTokens
		if iTotal != jTotal {
			return iTotal > jTotal
		}
		return result[i].Model < result[j].Model
	})
	return result
}

// GetToolBreakdown counts, per tool, the runs that used it.
func GetToolBreakdown(records []CompletionRecord) []ToolBreakdown {
	counts := make(map[string]int)
	for _, r := range records {
		for _, name := range r.ToolsUsed {
			counts[name]++
		}
	}
	result := make([]ToolBreakdown, 0, len(counts))
	for name, n := range counts {
		result = append(result, ToolBreakdown{Tool: name, Runs: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Runs != result[j].Runs {
			return result[i].Runs > result[j].Runs
		}
		return result[i].Tool < result[j].Tool
	})
	return result
}

// CalculateTotals sums daily aggregates into a single "Total" row.
func CalculateTotals(daily []DailyUsage) DailyUsage {
	total := DailyUsage{Date: "Total"}
	for _, d := range daily {
		total.Runs += d.Runs
		total.InputTokens += d.InputTokens
		total.OutputTokens += d.OutputTokens
		total.Steps += d.Steps
		total.Failed += d.Failed
		total.Records = append(total.Records, d.Records...)
		for _, m := range d.ModelsUsed {
			total.ModelsUsed = addUnique(total.ModelsUsed, m)
		}
	}
	sort.Strings(total.ModelsUsed)
	return total
}

// DaysAgo returns local midnight n days before now.
func DaysAgo(now time.Time, n int) time.Time {
	y, m, d := now.Local().Date()
	return time.Date(y, m, d-n, 0, 0, 0, 0, time.Local)
}

func addUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
