package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samsaffron/forumchat/internal/config"
	"github.com/samsaffron/forumchat/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usageDays      int
	usageModel     string
	usageJSON      bool
	usageBreakdown bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage recorded for answered questions",
	Long: `Show runs, tokens and tool use per day from the usage database
(usage.db_path in config).

Examples:
  forumchat usage                   # last 7 days
  forumchat usage --days 30
  forumchat usage --breakdown       # per-model and per-tool rows
  forumchat usage --json`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().IntVar(&usageDays, "days", 7, "Number of days to include, today included")
	usageCmd.Flags().StringVar(&usageModel, "model", "", "Only include this model")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Output as JSON")
	usageCmd.Flags().BoolVar(&usageBreakdown, "breakdown", false, "Show per-model and per-tool breakdown")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Usage.DBPath == "" {
		return errors.New("usage.db_path is not configured; set it to record completions")
	}
	if usageDays < 1 {
		return fmt.Errorf("--days must be at least 1")
	}
	store, err := usage.OpenSQLiteStore(cfg.Usage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	since := usage.DaysAgo(time.Now(), usageDays-1)
	records, err := store.List(cmd.Context(), usage.FilterOptions{Since: since, Model: usageModel})
	if err != nil {
		return err
	}
	daily := usage.AggregateDaily(records)
	totals := usage.CalculateTotals(daily)

	if usageJSON {
		return outputUsageJSON(daily, totals)
	}
	if len(daily) == 0 {
		fmt.Println("No usage recorded since", since.Format("2006-01-02"))
		return nil
	}
	return outputUsageTable(daily, totals, since)
}

type jsonDailyUsage struct {
	Date         string   `json:"date"`
	Runs         int      `json:"runs"`
	Failed       int      `json:"failed"`
	InputTokens  int      `json:"inputTokens"`
	OutputTokens int      `json:"outputTokens"`
	TotalTokens  int      `json:"totalTokens"`
	Steps        int      `json:"steps"`
	ModelsUsed   []string `json:"modelsUsed"`
}

type jsonUsageOutput struct {
	Daily  []jsonDailyUsage       `json:"daily"`
	Totals jsonDailyUsage         `json:"totals"`
	Models []usage.ModelBreakdown `json:"models,omitempty"`
	Tools  []usage.ToolBreakdown  `json:"tools,omitempty"`
}

func toJSONDaily(d usage.DailyUsage) jsonDailyUsage {
	models := d.ModelsUsed
	if models == nil {
		models = []string{}
	}
	return jsonDailyUsage{
		Date:         d.Date,
		Runs:         d.Runs,
		Failed:       d.Failed,
		InputTokens:  d.InputTokens,
		OutputTokens: d.OutputTokens,
		TotalTokens:  d.TotalTokens(),
		Steps:        d.Steps,
		ModelsUsed:   models,
	}
}

func outputUsageJSON(daily []usage.DailyUsage, totals usage.DailyUsage) error {
	out := jsonUsageOutput{Daily: make([]jsonDailyUsage, 0, len(daily)), Totals: toJSONDaily(totals)}
	for _, d := range daily {
		out.Daily = append(out.Daily, toJSONDaily(d))
	}
	if usageBreakdown {
		out.Models = usage.GetModelBreakdown(totals.Records)
		out.Tools = usage.GetToolBreakdown(totals.Records)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func outputUsageTable(daily []usage.DailyUsage, totals usage.DailyUsage, since time.Time) error {
	fmt.Printf("Usage since %s\n\n", since.Format("2006-01-02"))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "Date\t Runs\t Failed\t Input\t Output\t Steps\t\n")
	fmt.Fprintf(w, "────\t ────\t ──────\t ─────\t ──────\t ─────\t\n")
	row := func(d usage.DailyUsage) {
		fmt.Fprintf(w, "%s\t %d\t %d\t %s\t %s\t %d\t\n",
			d.Date, d.Runs, d.Failed, formatTokens(d.InputTokens), formatTokens(d.OutputTokens), d.Steps)
	}
	for _, d := range daily {
		row(d)
	}
	fmt.Fprintf(w, "────\t ────\t ──────\t ─────\t ──────\t ─────\t\n")
	row(totals)
	if err := w.Flush(); err != nil {
		return err
	}

	if !usageBreakdown {
		fmt.Printf("\nModels: %s\n", strings.Join(totals.ModelsUsed, ", "))
		return nil
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tRUNS\tINPUT\tOUTPUT")
	for _, mb := range usage.GetModelBreakdown(totals.Records) {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", mb.Model, mb.Runs, formatTokens(mb.InputTokens), formatTokens(mb.OutputTokens))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TOOL\tRUNS")
	for _, tb := range usage.GetToolBreakdown(totals.Records) {
		fmt.Fprintf(w, "%s\t%d\n", tb.Tool, tb.Runs)
	}
	return w.Flush()
}

func formatTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
