package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/ttsworkerd/internal/dispatcher"
	"github.com/example/ttsworkerd/internal/protocol"
)

func newSynthCmd() *cobra.Command {
	var (
		text       string
		voice      string
		outputPath string
		speed      float64
		pitch      float64
		priority   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Submit a single synthesis request to a freshly spawned worker fleet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputText, err := readSynthText(text, os.Stdin)
			if err != nil {
				return err
			}
			if inputText == "" {
				return errors.New("text is required: pass --text or pipe it on stdin")
			}

			pr, err := parsePriority(priority)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout()+cfg.HealthCheckInterval())
			defer cancel()

			d, _, err := buildDispatcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = d.Shutdown(context.Background()) }()

			result, err := d.Synthesize(ctx, dispatcher.SynthesisRequest{
				RequestID:  uuid.NewString(),
				Text:       inputText,
				Voice:      voice,
				Speed:      speed,
				Pitch:      pitch,
				OutputPath: outputPath,
				Priority:   pr,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			if !result.Success {
				return fmt.Errorf("synthesis failed: %v", result.Error)
			}

			fmt.Printf("ok  request_id=%s  latency_ms=%d  worker=%s  output=%s\n",
				result.RequestID, result.LatencyMs, result.Metadata.WorkerUsed, result.OutputPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (reads stdin if omitted)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice id")
	cmd.Flags().StringVar(&outputPath, "output", "", "Output file path the worker should write to")
	cmd.Flags().Float64Var(&speed, "speed", 0, "Speech rate multiplier")
	cmd.Flags().Float64Var(&pitch, "pitch", 0, "Pitch shift")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Priority: low|normal|high")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the full SynthesisResult as JSON")

	return cmd
}

func parsePriority(s string) (protocol.Priority, error) {
	switch protocol.Priority(s) {
	case protocol.PriorityLow, protocol.PriorityNormal, protocol.PriorityHigh:
		return protocol.Priority(s), nil
	default:
		return "", fmt.Errorf("priority must be one of low|normal|high, got %q", s)
	}
}

// readSynthText returns text if non-empty, otherwise reads all of r.
func readSynthText(text string, r io.Reader) (string, error) {
	if text != "" {
		return text, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}

	return string(data), nil
}
