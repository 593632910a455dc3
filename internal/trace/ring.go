package trace

import (
	"io"
	"sync"
)

// RingTracer keeps the most recent events in memory so they can be dumped
// after a failure.
type RingTracer struct {
	level Level

	mu      sync.Mutex
	slots   []Event
	written uint64 // events ever stored; the next one goes to written % len(slots)
}

// NewRingTracer returns a ring holding up to size events.
func NewRingTracer(size int, level Level) *RingTracer {
	if size <= 0 {
		size = defaultRingSize
	}
	return &RingTracer{level: level, slots: make([]Event, size)}
}

// Emit stores a copy of ev, overwriting the oldest event once full.
func (t *RingTracer) Emit(ev *Event) {
	if !admits(t.level, ev) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stored := *ev
	stored.Seq = NextSeq()
	t.slots[t.written%uint64(len(t.slots))] = stored
	t.written++
}

// Snapshot returns the held events, oldest first.
func (t *RingTracer) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := uint64(len(t.slots))
	first := uint64(0)
	if t.written > size {
		first = t.written - size
	}
	out := make([]Event, 0, t.written-first)
	for i := first; i < t.written; i++ {
		out = append(out, t.slots[i%size])
	}
	return out
}

// LastPass returns the name of the newest pass event held, which after a
// failure is the pass that failed.
func (t *RingTracer) LastPass() (string, bool) {
	events := t.Snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Scope == ScopePass {
			return events[i].Name, true
		}
	}
	return "", false
}

// Dump writes the held events oldest first.
func (t *RingTracer) Dump(w io.Writer, format Format) error {
	for _, ev := range t.Snapshot() {
		if _, err := w.Write(FormatEvent(&ev, format)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RingTracer) Flush() error { return nil }

func (t *RingTracer) Close() error { return nil }

func (t *RingTracer) Level() Level { return t.level }

func (t *RingTracer) Enabled() bool { return t.level > LevelOff }

// admits reports whether a tracer at level l records ev. Heartbeats pass
// every level.
func admits(l Level, ev *Event) bool {
	return ev.Kind == KindHeartbeat || l.ShouldEmit(ev.Scope)
}
