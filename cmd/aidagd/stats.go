package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tensorplane/aidag/internal/stats"
)

func newStatsCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print per-model/script call counters from a running aidagd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "127.0.0.1:6401", "HTTP address of a running aidagd's stats endpoint")
	return cmd
}

func runStats(httpAddr string) error {
	resp, err := http.Get("http://" + httpAddr + "/stats")
	if err != nil {
		return fmt.Errorf("aidagd: fetch stats: %w", err)
	}
	defer resp.Body.Close()

	var snapshot map[string]stats.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fmt.Errorf("aidagd: decode stats: %w", err)
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"KEY", "CALLS", "ERRORS", "DURATION_US", "SAMPLES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, k := range keys {
		s := snapshot[k]
		table.Append([]string{
			k,
			fmt.Sprintf("%d", s.Calls),
			fmt.Sprintf("%d", s.Errors),
			fmt.Sprintf("%d", s.DurationMicros),
			fmt.Sprintf("%d", s.SamplesProcessed),
		})
	}
	table.Render()
	return nil
}
