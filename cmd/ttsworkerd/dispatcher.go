package main

import (
	"context"
	"fmt"

	"github.com/example/ttsworkerd/internal/config"
	"github.com/example/ttsworkerd/internal/dispatcher"
	"github.com/example/ttsworkerd/internal/metrics"
)

// buildDispatcher constructs and initializes a Dispatcher from cfg,
// wiring a metrics.Recorder as its Observer. Callers own the returned
// Dispatcher's Shutdown.
func buildDispatcher(ctx context.Context, cfg config.Config) (*dispatcher.Dispatcher, *metrics.Recorder, error) {
	recorder := metrics.New()

	d := dispatcher.New(cfg.ToDispatcherConfig(), dispatcher.WithObserver(recorder))

	if err := d.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("initialize dispatcher: %w", err)
	}

	return d, recorder, nil
}
