package trace

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Watch wraps a Tracer, tracks which pass and group spans are open and
// emits a heartbeat naming them at a fixed interval. A pass that keeps
// showing up in heartbeats has stopped making progress.
type Watch struct {
	Tracer

	mu    sync.Mutex
	open  map[uint64]openSpan
	beats uint64

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

type openSpan struct {
	scope Scope
	name  string
	since time.Time
}

// StartWatch wraps t and starts beating every interval until Stop. It
// returns nil when tracing is off or interval is not positive.
func StartWatch(t Tracer, interval time.Duration) *Watch {
	if t == nil || !t.Enabled() || interval <= 0 {
		return nil
	}
	w := &Watch{
		Tracer: t,
		open:   make(map[uint64]openSpan),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop(interval)
	return w
}

func (w *Watch) loop(interval time.Duration) {
	defer close(w.done)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case at := <-tick.C:
			w.beat(at)
		case <-w.quit:
			return
		}
	}
}

// Emit records pass and group span boundaries and forwards ev.
func (w *Watch) Emit(ev *Event) {
	if ev.Scope == ScopePass || ev.Scope == ScopeGroup {
		w.mu.Lock()
		switch ev.Kind {
		case KindSpanBegin:
			w.open[ev.SpanID] = openSpan{scope: ev.Scope, name: ev.Name, since: ev.Time}
		case KindSpanEnd:
			delete(w.open, ev.SpanID)
		}
		w.mu.Unlock()
	}
	w.Tracer.Emit(ev)
}

// Pulse emits one heartbeat now.
func (w *Watch) Pulse() {
	w.beat(now())
}

func (w *Watch) beat(at time.Time) {
	w.mu.Lock()
	w.beats++
	seq := w.beats
	var passes, groups []string
	var oldest *openSpan
	for _, s := range w.open {
		if s.scope == ScopePass {
			passes = append(passes, s.name)
		} else {
			groups = append(groups, s.name)
		}
		if oldest == nil || s.since.Before(oldest.since) || (s.since.Equal(oldest.since) && s.scope < oldest.scope) {
			oldest = &s
		}
	}
	w.mu.Unlock()

	ev := &Event{
		Time:  at,
		Kind:  KindHeartbeat,
		Scope: ScopeDriver,
		GID:   getGoroutineID(),
		Name:  "heartbeat",
		Extra: map[string]string{"beat": strconv.FormatUint(seq, 10)},
	}
	if len(passes) > 0 {
		sort.Strings(passes)
		ev.Extra["pass"] = strings.Join(passes, ",")
	}
	if len(groups) > 0 {
		sort.Strings(groups)
		ev.Extra["group"] = strings.Join(groups, ",")
	}
	ev.Detail = "idle"
	if oldest != nil {
		ev.Detail = fmt.Sprintf("%s %s open for %s", oldest.scope, oldest.name, at.Sub(oldest.since).Round(time.Millisecond))
	}
	w.Tracer.Emit(ev)
}

// Stop ends the heartbeats and waits for the beating goroutine. It does not
// close the wrapped tracer.
func (w *Watch) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		close(w.quit)
		<-w.done
	})
}

// Close stops the heartbeats and closes the wrapped tracer.
func (w *Watch) Close() error {
	w.Stop()
	return w.Tracer.Close()
}
