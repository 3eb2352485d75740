package events

import (
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names delivered to the host.
const (
	NewThreatDetected = "onNewThreatDetected"
	GmailLinkExpired  = "onGmailLinkExpired"
)

// Event is one output-channel delivery.
type Event struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// ThreatDetected is the payload of an onNewThreatDetected event.
type ThreatDetected struct {
	Type        string `json:"type"`
	DetectionID string `json:"detectionId"`
	Sender      string `json:"sender"`
	Subject     string `json:"subject"`
	Preview     string `json:"preview"`
	MessageID   string `json:"messageId"`
}

// LinkExpired is the payload of an onGmailLinkExpired event.
type LinkExpired struct {
	Message string `json:"message"`
}

// Emitter is the producer side of the output channel.
type Emitter interface {
	Emit(name string, payload any)
}

// Sink receives every emitted event, e.g. a NATS connection.
// Attached reports whether somebody can currently receive the event.
type Sink interface {
	Deliver(evt Event) error
	Attached() bool
}

// Recorder keeps a local history of emitted events. Recorders never count as listeners.
type Recorder interface {
	Record(evt Event) error
}

// Bus fans events out to in-process subscribers and sinks.
// Delivery is best-effort: with no attached consumer the event is logged and dropped.
type Bus struct {
	log zerolog.Logger

	mu     gosync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	sinks  []Sink
	recs   []Recorder
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[uint64]chan Event),
		now:  time.Now,
	}
}

// AddSink registers an additional consumer.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// AddRecorder registers a history recorder.
func (b *Bus) AddRecorder(r Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs = append(b.recs, r)
}

// Subscribe attaches a buffered listener. The returned func detaches it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit delivers an event to every attached consumer without blocking the caller.
func (b *Bus) Emit(name string, payload any) {
	evt := Event{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: payload,
		At:      b.now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- evt:
			delivered++
		default:
			b.log.Warn().Str("event", name).Str("event_id", evt.ID).Msg("subscriber buffer full, event dropped")
		}
	}

	for _, s := range b.sinks {
		if !s.Attached() {
			continue
		}
		if err := s.Deliver(evt); err != nil {
			b.log.Error().Err(err).Str("event", name).Msg("sink delivery failed")
			continue
		}
		delivered++
	}

	for _, r := range b.recs {
		if err := r.Record(evt); err != nil {
			b.log.Error().Err(err).Str("event", name).Msg("record event")
		}
	}

	if delivered == 0 {
		b.log.Warn().Str("event", name).Str("event_id", evt.ID).Msg("no listener attached, event dropped")
		return
	}
	b.log.Debug().Str("event", name).Int("consumers", delivered).Msg("event emitted")
}

// Subscribers returns the number of in-process listeners.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
