package events

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	attached  bool
	err       error
	delivered []Event
}

func (f *fakeSink) Deliver(evt Event) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, evt)
	return nil
}

func (f *fakeSink) Attached() bool { return f.attached }

type fakeRecorder struct{ recorded []Event }

func (f *fakeRecorder) Record(evt Event) error {
	f.recorded = append(f.recorded, evt)
	return nil
}

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Emit(NewThreatDetected, ThreatDetected{Type: "email", DetectionID: "x1"})

	require.Len(t, ch, 1)
	evt := <-ch
	assert.Equal(t, NewThreatDetected, evt.Name)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "x1", evt.Payload.(ThreatDetected).DetectionID)
}

func TestBus_DropsWithoutListener(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	rec := &fakeRecorder{}
	bus.AddRecorder(rec)
	detached := &fakeSink{attached: false}
	bus.AddSink(detached)

	bus.Emit(GmailLinkExpired, LinkExpired{Message: "gone"})

	assert.Empty(t, detached.delivered)
	assert.Len(t, rec.recorded, 1, "recorders still see dropped events")
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Emit("a", nil)
	bus.Emit("b", nil)

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Name)
}

func TestBus_SinkErrorsAreContained(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	broken := &fakeSink{attached: true, err: errors.New("nats down")}
	healthy := &fakeSink{attached: true}
	bus.AddSink(broken)
	bus.AddSink(healthy)

	bus.Emit(NewThreatDetected, nil)

	assert.Len(t, healthy.delivered, 1)
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	_, cancel := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers())
}
