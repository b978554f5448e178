package logstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/identity"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineLength     = 1024 * 1024
)

// Record is one output line as delivered to observers
type Record struct {
	Line  string `json:"line"`
	Epoch uint64 `json:"epoch,omitempty"`
	TS    int64  `json:"ts,omitempty"`
}

// Rejection is sent to observers of unknown servers before the channel closes
func Rejection() Record {
	return Record{Line: "❌ invalid serverId"}
}

// Observer receives records. Deliver must not block; it returns false when
// the record was dropped.
type Observer interface {
	Deliver(Record) bool
}

// Channel is an Observer backed by a buffered channel. A full buffer drops.
type Channel chan Record

// Deliver implements Observer
func (c Channel) Deliver(r Record) bool {
	select {
	case c <- r:
		return true
	default:
		return false
	}
}

// Checker reports whether a server exists; satisfied by identity.Registry
type Checker interface {
	Exists(serverID string) bool
}

// Recorder receives fan-out counts; satisfied by monitoring.Metrics
type Recorder interface {
	RecordFanout(delivered, dropped int)
}

// topic holds the observers and the current output attachment of one server
type topic struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
	epoch     uint64
	stream    io.Closer
}

// Hub fans sandbox output out to per-server observers
type Hub struct {
	mu       sync.Mutex
	topics   map[string]*topic
	exists   Checker
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// NewHub creates a hub that accepts subscriptions only for servers that exist
func NewHub(exists Checker, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[string]*topic),
		exists: exists,
		logger: logger.Named("logstream"),
		now:    time.Now,
	}
}

// WithRecorder adds fan-out metrics tracking
func (h *Hub) WithRecorder(rec Recorder) *Hub {
	h.recorder = rec
	return h
}

// Subscribe acknowledges obs and adds it to the server's observer set
func (h *Hub) Subscribe(serverID string, obs Observer) error {
	if !h.exists.Exists(serverID) {
		return fmt.Errorf("%w: %s", identity.ErrNotFound, serverID)
	}

	t := h.lockTopic(serverID, true)
	defer t.mu.Unlock()

	obs.Deliver(h.record(fmt.Sprintf("✅ Connected to %s", serverID), t.epoch))
	t.observers[obs] = struct{}{}
	return nil
}

// Unsubscribe removes obs. Removing an absent observer is a no-op.
func (h *Hub) Unsubscribe(serverID string, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[serverID]
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.observers, obs)
	idle := len(t.observers) == 0 && t.stream == nil
	t.mu.Unlock()

	if idle {
		delete(h.topics, serverID)
	}
}

// Subscribers returns the number of observers for a server
func (h *Hub) Subscribers(serverID string) int {
	t := h.lockTopic(serverID, false)
	if t == nil {
		return 0
	}
	defer t.mu.Unlock()
	return len(t.observers)
}

// Publish delivers line to every current observer of the server, tagged with
// the current epoch
func (h *Hub) Publish(serverID, line string) {
	t := h.lockTopic(serverID, false)
	if t == nil {
		return
	}
	defer t.mu.Unlock()
	h.deliver(t, h.record(line, t.epoch))
}

// Attach consumes stream line by line and publishes each line tagged with
// epoch. An older attachment for the same server is closed. The returned
// channel closes once the stream is drained or superseded.
func (h *Hub) Attach(serverID string, epoch uint64, stream io.ReadCloser) <-chan struct{} {
	done := make(chan struct{})

	t := h.lockTopic(serverID, true)
	if epoch < t.epoch {
		t.mu.Unlock()
		stream.Close()
		close(done)
		h.logger.Debug("Ignored stale output attachment",
			zap.String("server_id", serverID),
			zap.Uint64("epoch", epoch),
		)
		return done
	}
	previous := t.stream
	t.epoch = epoch
	t.stream = stream
	t.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	go func() {
		defer close(done)
		defer h.detach(serverID, t, stream)
		h.pump(serverID, t, epoch, stream)
	}()
	return done
}

func (h *Hub) pump(serverID string, t *topic, epoch uint64, stream io.Reader) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		t.mu.Lock()
		if t.epoch != epoch {
			t.mu.Unlock()
			return
		}
		h.deliver(t, h.record(line, epoch))
		t.mu.Unlock()
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		h.logger.Debug("Output stream ended",
			zap.String("server_id", serverID),
			zap.Uint64("epoch", epoch),
			zap.Error(err),
		)
	}
}

// detach releases the attachment if it is still the current one
func (h *Hub) detach(serverID string, t *topic, stream io.Closer) {
	stream.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	t.mu.Lock()
	if t.stream == stream {
		t.stream = nil
	}
	idle := len(t.observers) == 0 && t.stream == nil
	t.mu.Unlock()

	if idle && h.topics[serverID] == t {
		delete(h.topics, serverID)
	}
}

// Close ends every attachment; observers are left in place
func (h *Hub) Close() {
	h.mu.Lock()
	streams := make([]io.Closer, 0, len(h.topics))
	for _, t := range h.topics {
		t.mu.Lock()
		if t.stream != nil {
			streams = append(streams, t.stream)
		}
		t.mu.Unlock()
	}
	h.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

// deliver sends r to every observer. Must hold t.mu.
func (h *Hub) deliver(t *topic, r Record) {
	delivered, dropped := 0, 0
	for obs := range t.observers {
		if obs.Deliver(r) {
			delivered++
		} else {
			dropped++
		}
	}
	if h.recorder != nil && (delivered > 0 || dropped > 0) {
		h.recorder.RecordFanout(delivered, dropped)
	}
}

func (h *Hub) record(line string, epoch uint64) Record {
	return Record{Line: line, Epoch: epoch, TS: h.now().UnixMilli()}
}

// lockTopic returns the server's topic with t.mu held, or nil when it does
// not exist and create is false
func (h *Hub) lockTopic(serverID string, create bool) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[serverID]
	if !ok {
		if !create {
			return nil
		}
		t = &topic{observers: make(map[Observer]struct{})}
		h.topics[serverID] = t
	}
	t.mu.Lock()
	return t
}
