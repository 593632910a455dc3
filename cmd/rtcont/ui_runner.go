package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"rtcont/internal/pipeline"
	"rtcont/internal/ui"
)

type runOutcome struct {
	results []pipeline.FileResult
	err     error
}

func runFilesWithUI(ctx context.Context, title string, files []string, cfg pipeline.Config) ([]pipeline.FileResult, error) {
	events := make(chan pipeline.Event, 256)
	outcomeCh := make(chan runOutcome, 1)

	go func() {
		res, err := pipeline.RunFiles(ctx, files, cfg, pipeline.ChannelSink{Ch: events})
		outcomeCh <- runOutcome{results: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(title, files, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout), tea.WithInput(nil))
	_, uiErr := program.Run()
	// keep the run unblocked if the display stopped early
	go func() {
		for range events {
		}
	}()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.results, uiErr
	}
	return outcome.results, outcome.err
}
