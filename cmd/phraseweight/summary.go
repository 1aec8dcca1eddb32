package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkg.jsn.cam/phraseweight/internal/config"
	"pkg.jsn.cam/phraseweight/internal/pipeline"
)

func printSummary(w io.Writer, res *pipeline.Result, cfg *config.Config, took time.Duration) {
	fmt.Fprintf(w, "Run %s completed in %v\n", res.RunID, took.Round(time.Millisecond))

	if cfg.HasInput() {
		fmt.Fprintf(w, "  Occurrences: %s accepted, %s rejected\n",
			humanize.Comma(res.Accepted), humanize.Comma(res.Rejected))
	}
	fmt.Fprintf(w, "  Phrases:     %s distinct, total weight %s\n",
		humanize.Comma(res.DistinctPhrases), humanize.Comma(res.TotalWeight))

	if cfg.Output.Weights != "" {
		fmt.Fprintf(w, "  Weights:     %s%s\n", cfg.Output.Weights, fileSize(cfg.Output.Weights))
	}
	if cfg.Database.Driver != "" {
		fmt.Fprintf(w, "  Table:       %s (run_id %s)\n", cfg.Database.Table, res.RunID)
	}
	switch cfg.Output.Ranked {
	case "":
	case "redis":
		fmt.Fprintf(w, "  Ranked:      %s entries in redis list %s\n", humanize.Comma(res.Ranked), cfg.Redis.Key)
	default:
		fmt.Fprintf(w, "  Ranked:      %s entries in %s%s\n", humanize.Comma(res.Ranked), cfg.Output.Ranked, fileSize(cfg.Output.Ranked))
	}

	fmt.Fprintln(w)
	printStages(w, res.Stages)
}

func printStages(w io.Writer, stages []pipeline.StageReport) {
	fmt.Fprintf(w, "%-10s %7s %9s %10s %8s %12s %10s\n",
		"STAGE", "TASKS", "COMMITTED", "DUPLICATES", "FAILURES", "RECORDS", "DURATION")
	fmt.Fprintln(w, strings.Repeat("─", 72))
	for _, s := range stages {
		fmt.Fprintf(w, "%-10s %7d %9d %10d %8d %12s %10v\n",
			s.Name,
			s.Tasks,
			s.Committed,
			s.Duplicates,
			s.Failures,
			humanize.Comma(s.Records),
			s.Duration.Round(time.Millisecond))
	}
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return " (" + humanize.Bytes(uint64(info.Size())) + ")"
}
