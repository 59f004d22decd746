package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"cdpplug/internal/cdp"

	"github.com/spf13/cobra"
)

var targetsJSON bool

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List DevTools targets of the browser",
	RunE:  runTargets,
}

func init() {
	targetsCmd.Flags().BoolVar(&targetsJSON, "json", false, "print targets as JSON")
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	targets, err := cdp.ListTargets(cmd.Context(), cfg.Devtools.URL)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if targetsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(targets)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Title, t.URL)
	}
	return w.Flush()
}
