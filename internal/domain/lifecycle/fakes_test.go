package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/logstream"
	"github.com/GriffinCanCode/nighthost/backend/internal/domain/sandbox"
	"github.com/GriffinCanCode/nighthost/backend/internal/events"
)

type fakeBox struct {
	spec     sandbox.Spec
	running  bool
	removed  bool
	exited   bool
	startErr error
	waiters  []chan sandbox.ExitStatus
	output   *io.PipeWriter
	history  []written
}

// written is a chunk of output the box produced, kept like a runtime's log
type written struct {
	at   time.Time
	text string
}

// fakeDriver is an in-memory sandbox backend. Stopping or removing a box
// resolves its exit watchers, like a real runtime would.
type fakeDriver struct {
	mu    sync.Mutex
	seq   int
	boxes map[string]*fakeBox
	order []string

	attachedSince []time.Time

	createErr  error
	createWait time.Duration
	startErr   error
	stopErr    error
	removeErr  error
	inspectErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{boxes: make(map[string]*fakeBox)}
}

func (d *fakeDriver) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	if d.createWait > 0 {
		time.Sleep(d.createWait)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", sandbox.RuntimeError("create", d.createErr)
	}
	d.seq++
	id := fmt.Sprintf("box-%d", d.seq)
	d.boxes[id] = &fakeBox{spec: spec}
	d.order = append(d.order, id)
	return id, nil
}

func (d *fakeDriver) Start(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[id]
	if !ok || b.removed {
		return sandbox.RuntimeError("start", errors.New("no such container"))
	}
	if b.startErr != nil {
		return sandbox.RuntimeError("start", b.startErr)
	}
	if d.startErr != nil {
		return sandbox.RuntimeError("start", d.startErr)
	}
	b.running = true
	b.exited = false
	return nil
}

func (d *fakeDriver) Inspect(_ context.Context, id string) (sandbox.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inspectErr != nil {
		return sandbox.Status{}, sandbox.RuntimeError("inspect", d.inspectErr)
	}
	b, ok := d.boxes[id]
	if !ok || b.removed {
		return sandbox.Status{}, nil
	}
	return sandbox.Status{Running: b.running, Startable: !b.running}, nil
}

// AttachOutput replays the box's history written from since on, then
// follows live output
func (d *fakeDriver) AttachOutput(_ context.Context, id string, since time.Time) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.boxes[id]
	if !ok {
		return nil, sandbox.RuntimeError("attach", errors.New("no such container"))
	}
	d.attachedSince = append(d.attachedSince, since)

	var replay strings.Builder
	for _, w := range b.history {
		if !w.at.Before(since) {
			replay.WriteString(w.text)
		}
	}
	pr, pw := io.Pipe()
	b.output = pw
	return struct {
		io.Reader
		io.Closer
	}{io.MultiReader(strings.NewReader(replay.String()), pr), pr}, nil
}

func (d *fakeDriver) Stop(_ context.Context, id string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopErr != nil {
		return d.stopErr
	}
	if b, ok := d.boxes[id]; ok && b.running {
		b.running = false
		d.exitLocked(b, sandbox.ExitStatus{Code: 0, At: time.Now()})
	}
	return nil
}

func (d *fakeDriver) Remove(_ context.Context, id string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeErr != nil {
		return sandbox.RuntimeError("remove", d.removeErr)
	}
	b, ok := d.boxes[id]
	if !ok || b.removed {
		return nil
	}
	b.removed = true
	b.running = false
	if b.output != nil {
		b.output.Close()
	}
	d.exitLocked(b, sandbox.ExitStatus{Code: 137, At: time.Now()})
	return nil
}

func (d *fakeDriver) WaitExit(_ context.Context, id string) <-chan sandbox.ExitStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan sandbox.ExitStatus, 1)
	if b, ok := d.boxes[id]; ok {
		b.waiters = append(b.waiters, ch)
	}
	return ch
}

// exitLocked resolves all pending watchers once. Must hold d.mu.
func (d *fakeDriver) exitLocked(b *fakeBox, st sandbox.ExitStatus) {
	if b.exited {
		return
	}
	b.exited = true
	for _, w := range b.waiters {
		w <- st
		close(w)
	}
	b.waiters = nil
}

// crash makes a running box exit on its own
func (d *fakeDriver) crash(id string, st sandbox.ExitStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.boxes[id]
	b.running = false
	d.exitLocked(b, st)
}

// halt stops a box without telling its watchers, leaving it startable
func (d *fakeDriver) halt(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes[id].running = false
}

func (d *fakeDriver) write(id, text string) {
	d.mu.Lock()
	b := d.boxes[id]
	b.history = append(b.history, written{at: time.Now(), text: text})
	w := b.output
	d.mu.Unlock()
	fmt.Fprint(w, text)
}

func (d *fakeDriver) attaches() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attachedSince...)
}

func (d *fakeDriver) failStartOf(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes[id].startErr = err
}

func (d *fakeDriver) created() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *fakeDriver) live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.boxes {
		if b.running && !b.removed {
			n++
		}
	}
	return n
}

func (d *fakeDriver) box(id string) fakeBox {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.boxes[id]
}

type fakeImages struct {
	mu   sync.Mutex
	err  error
	refs []string
}

func (f *fakeImages) Ensure(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	return f.err
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Emit(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []events.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Type, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) last(t events.Type) (events.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return events.Event{}, false
}

type fakeMetrics struct {
	mu       sync.Mutex
	ops      map[string]int
	cleanups []string
	exits    int
	active   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{ops: make(map[string]int)}
}

func (f *fakeMetrics) RecordLifecycleOp(op, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op+"/"+outcome]++
}

func (f *fakeMetrics) RecordStopCleanup(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, outcome)
}

func (f *fakeMetrics) RecordSandboxExit(bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits++
}

func (f *fakeMetrics) SetActiveSandboxes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = n
}

func (f *fakeMetrics) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// lines subscribes to a server and collects everything published to it
type lines struct {
	mu  sync.Mutex
	got []string
}

func (l *lines) Deliver(r logstream.Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, r.Line)
	return true
}

func (l *lines) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func (l *lines) Contains(line string) bool {
	for _, got := range l.All() {
		if got == line {
			return true
		}
	}
	return false
}
