package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/samsaffron/forumchat/internal/config"
	"github.com/spf13/cobra"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models questions can be answered with",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if modelsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Models)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tTHINKING")
	for _, m := range cfg.Models {
		id := m.ID
		if id == cfg.DefaultModel {
			id += " *"
		}
		thinking := "-"
		if m.ThinkingBudget > 0 {
			thinking = fmt.Sprintf("%d", m.ThinkingBudget)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, m.Name, m.Provider, thinking)
	}
	return w.Flush()
}
