package pipeline

import "time"

// Stage describes a phase of one file run.
type Stage string

const (
	// StageLoad is reading and decoding the module file.
	StageLoad Stage = "load"
	// StageLower is running the passes.
	StageLower Stage = "lower"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the file is waiting to start.
	StatusQueued Status = "queued"
	// StatusWorking indicates the file is being processed.
	StatusWorking Status = "working"
	// StatusDone indicates the file finished successfully.
	StatusDone Status = "done"
	// StatusError indicates the file failed.
	StatusError Status = "error"
)

// Event reports progress for a file.
type Event struct {
	File   string
	Stage  Stage
	Status Status
	// Pass is the pass about to run during StageLower.
	Pass string
	// Step counts the passes finished so far out of Steps.
	Step    int
	Steps   int
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. Events for different files may
// arrive from different goroutines.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

func emit(sink ProgressSink, evt Event) {
	if sink != nil {
		sink.OnEvent(evt)
	}
}
