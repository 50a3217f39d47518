package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
	"github.com/spawn-mcp/research-coordinator/pkg/wiring"
)

var runFlags struct {
	sessionID string
	context   string
	asJSON    bool
}

var runCmd = &cobra.Command{
	Use:   "run [flags] <query>",
	Short: "Run one research invocation and print the report",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResearch,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.sessionID, "session", "s", "cli", "Session id; reuse it to build on earlier runs")
	f.StringVar(&runFlags.context, "context", "", "JSON object passed to the planner, e.g. '{\"user_id\":\"u1\"}'")
	f.BoolVar(&runFlags.asJSON, "json", false, "Print the full result as JSON")
}

func runResearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var rctx map[string]any
	if runFlags.context != "" {
		if err := json.Unmarshal([]byte(runFlags.context), &rctx); err != nil {
			return fmt.Errorf("parse --context: %w", err)
		}
	}

	rt, err := wiring.Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Coordinator.StartResearch(cmd.Context(), runFlags.sessionID, strings.Join(args, " "), rctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runFlags.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(out, res)
	return nil
}

func printResult(out io.Writer, res *types.ResearchResult) {
	fmt.Fprintf(out, "%s\n\n", strings.TrimSpace(res.Report))
	fmt.Fprintf(out, "Findings:  %d\n", res.FindingsCount)
	fmt.Fprintf(out, "Citations: %d\n", res.CitationsCount)
	for i, c := range res.Citations {
		label := c.Title
		if label == "" {
			label = c.Source
		}
		if c.URL != "" {
			fmt.Fprintf(out, "  [%d] %s <%s>\n", i+1, label, c.URL)
		} else {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, label)
		}
	}
	fmt.Fprintf(out, "Took:      %dms\n", res.ExecutionTimeMs)
}
