package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/ttsworkerd/internal/bench"
)

func newBenchCmd() *cobra.Command {
	var (
		text        string
		voice       string
		requests    int
		concurrency int
		format      string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load-test the Dispatcher's Synthesize path and report latency/success rate",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required for bench")
			}
			if requests < 1 {
				return fmt.Errorf("--requests must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			d, _, err := buildDispatcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = d.Shutdown(context.Background()) }()

			runs := bench.Run(ctx, d, bench.Options{
				Text:        text,
				Voice:       voice,
				Requests:    requests,
				Concurrency: concurrency,
				Timeout:     cfg.RequestTimeout(),
			})
			stats := bench.ComputeStats(runs)

			switch format {
			case "json":
				return bench.FormatJSON(runs, stats, os.Stdout)
			default:
				bench.FormatTable(runs, stats, os.Stdout)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize for each request (required)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice id to request")
	cmd.Flags().IntVar(&requests, "requests", 20, "Number of Synthesize calls to issue")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Number of concurrent callers")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}
