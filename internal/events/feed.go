// Package events turns registry and sensor callbacks into a bounded stream of
// serializable events and fans them out to sinks such as NATS or a console.
package events

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/radio"
)

// Type names an event kind. It doubles as the NATS subject suffix.
type Type string

const (
	TypeDeviceCreated Type = "device.created"
	TypeDeviceUpdated Type = "device.updated"
	TypeDeviceDeleted Type = "device.deleted"

	TypeDetect  Type = "sensor.detect"
	TypeRead    Type = "sensor.read"
	TypeMeasure Type = "sensor.measure"
	TypeShare   Type = "sensor.share"
	TypeState   Type = "sensor.state"
)

// Event is one observation. Binary payloads are hex encoded.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Time      time.Time         `json:"time"`
	Device    device.Identifier `json:"device,omitempty"`
	Attribute string            `json:"attribute,omitempty"`
	RSSI      *int              `json:"rssi,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Payloads  []string          `json:"payloads,omitempty"`
	State     string            `json:"state,omitempty"`
	Info      *device.Info      `json:"info,omitempty"`
}

// Feed buffers events for a single consumer. When the consumer falls behind
// the oldest events are overwritten, so callbacks never block the engine.
//
// Feed satisfies both the registry delegate and the sensor delegate.
type Feed struct {
	ring  *RingChannel[Event]
	clock clock.Clock
	newID func() string
}

func NewFeed(capacity int, clk clock.Clock) *Feed {
	if clk == nil {
		clk = clock.Real()
	}
	return &Feed{
		ring:  NewRingChannel[Event](capacity),
		clock: clk,
		newID: uuid.NewString,
	}
}

// Events returns the receive side of the feed.
func (f *Feed) Events() <-chan Event {
	return f.ring.C()
}

func (f *Feed) Metrics() Metrics {
	return f.ring.GetMetrics()
}

// Close ends the stream. Callbacks after Close panic, so the feed must be
// detached from its producers first.
func (f *Feed) Close() {
	f.ring.Close()
}

func (f *Feed) publish(ev Event) {
	ev.ID = f.newID()
	ev.Time = f.clock.Now()
	f.ring.ForceSend(ev)
}

// ----------------------------
// registry.Delegate
// ----------------------------

func (f *Feed) DidCreate(d *device.Device) {
	info := d.Info()
	f.publish(Event{Type: TypeDeviceCreated, Device: d.ID(), Info: &info})
}

// DidUpdate forwards lifecycle changes only; measurements arrive through the
// sensor callbacks.
func (f *Feed) DidUpdate(d *device.Device, attr device.Attribute) {
	switch attr {
	case device.AttributeState, device.AttributeOperatingSystem, device.AttributeGoal:
	default:
		return
	}
	info := d.Info()
	f.publish(Event{Type: TypeDeviceUpdated, Device: d.ID(), Attribute: attr.String(), Info: &info})
}

func (f *Feed) DidDelete(d *device.Device) {
	f.publish(Event{Type: TypeDeviceDeleted, Device: d.ID()})
}

// ----------------------------
// sensor.Delegate
// ----------------------------

func (f *Feed) DidDetect(id device.Identifier) {
	f.publish(Event{Type: TypeDetect, Device: id})
}

func (f *Feed) DidRead(payload []byte, id device.Identifier) {
	f.publish(Event{Type: TypeRead, Device: id, Payload: hex.EncodeToString(payload)})
}

func (f *Feed) DidMeasure(rssi int, id device.Identifier) {
	f.publish(Event{Type: TypeMeasure, Device: id, RSSI: &rssi})
}

func (f *Feed) DidShare(payloads [][]byte, id device.Identifier) {
	encoded := make([]string, len(payloads))
	for i, p := range payloads {
		encoded[i] = hex.EncodeToString(p)
	}
	f.publish(Event{Type: TypeShare, Device: id, Payloads: encoded})
}

func (f *Feed) DidUpdateState(state radio.PowerState) {
	f.publish(Event{Type: TypeState, State: state.String()})
}
