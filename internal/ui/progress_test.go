package ui

import (
	"strings"
	"testing"

	"rtcont/internal/pipeline"
)

func TestProgressModelTracksFiles(t *testing.T) {
	files := []string{"a.rtm", "b.rtm"}
	m := NewProgressModel("opt", files, nil).(*progressModel)

	m.applyEvent(pipeline.Event{File: "a.rtm", Stage: pipeline.StageLower, Status: pipeline.StatusWorking, Pass: "register-buffer", Step: 1, Steps: 2})
	if got := m.percent(); got != 0.25 {
		t.Fatalf("expected 25%% progress, got %v", got)
	}
	m.applyEvent(pipeline.Event{File: "b.rtm", Stage: pipeline.StageLoad, Status: pipeline.StatusError})
	m.applyEvent(pipeline.Event{File: "b.rtm", Stage: pipeline.StageLower, Status: pipeline.StatusWorking, Pass: "late"})
	m.applyEvent(pipeline.Event{File: "unknown.rtm", Status: pipeline.StatusDone})

	if m.items[1].status != "error" {
		t.Errorf("expected a failed file to stay failed, got %q", m.items[1].status)
	}
	view := m.View()
	for _, want := range []string{"opt (1/2 files), 1 failed", "register-buffer", "a.rtm", "error"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in the view:\n%s", want, view)
		}
	}
}

func TestProgressModelQuitsWhenEventsClose(t *testing.T) {
	events := make(chan pipeline.Event)
	close(events)
	m := NewProgressModel("opt", []string{"a.rtm"}, events).(*progressModel)
	if _, ok := m.listenForEvent()().(doneMsg); !ok {
		t.Fatalf("expected a closed channel to finish the model")
	}
	m.Update(doneMsg{})
	if !m.done || !strings.Contains(m.View(), "done: opt") {
		t.Errorf("expected the final view to be marked done:\n%s", m.View())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("shaders/raygen.rtm", 10); got != "shaders..." {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := truncate("ab", 10); got != "ab" {
		t.Errorf("expected short values to stay, got %q", got)
	}
}
