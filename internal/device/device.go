package device

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/radio"
)

// Never is the interval reported for events that have not happened yet.
const Never = time.Duration(math.MaxInt64)

// UpdateFunc is invoked after a record field changes, outside the record lock.
type UpdateFunc func(d *Device, attr Attribute)

// Device is the registry record of one peer. All accessors are safe for
// concurrent use from radio callbacks and scheduler goroutines.
type Device struct {
	id       Identifier
	clock    clock.Clock
	onUpdate UpdateFunc

	mu                        sync.RWMutex
	peripheral                string
	createdAt                 time.Time
	lastUpdatedAt             time.Time
	lastDiscoveredAt          time.Time
	lastConnectRequestedAt    time.Time
	lastConnectedAt           time.Time
	lastDisconnectedAt        time.Time
	rssi                      *int
	payload                   []byte
	payloadUpdatedAt          time.Time
	payloadSharing            [][]byte
	os                        OperatingSystem
	osUpdatedAt               time.Time
	state                     State
	goal                      Goal
	lastWritePayloadAt        time.Time
	lastWritePayloadSharingAt time.Time
	lastWriteRSSIAt           time.Time
	handle                    *Handle
}

// New creates a record. onUpdate may be nil.
func New(id Identifier, clk clock.Clock, onUpdate UpdateFunc) *Device {
	if clk == nil {
		clk = clock.Real()
	}
	now := clk.Now()
	return &Device{
		id:            id,
		clock:         clk,
		onUpdate:      onUpdate,
		createdAt:     now,
		lastUpdatedAt: now,
	}
}

func (d *Device) ID() Identifier {
	return d.id
}

func (d *Device) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("%s[%s,%s]", d.id, d.os, d.state)
}

// update applies fn under the write lock, stamps the update time and notifies.
func (d *Device) update(attr Attribute, fn func(now time.Time)) {
	d.mu.Lock()
	now := d.clock.Now()
	fn(now)
	d.lastUpdatedAt = now
	d.mu.Unlock()

	if d.onUpdate != nil {
		d.onUpdate(d, attr)
	}
}

func (d *Device) since(t time.Time) time.Duration {
	if t.IsZero() {
		return Never
	}
	return d.clock.Now().Sub(t)
}

// ----------------------------
// Advertisement-derived fields
// ----------------------------

// Peripheral returns the platform address used to connect, empty if unresolved.
func (d *Device) Peripheral() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peripheral
}

// SetPeripheral resolves the platform address. Unchanged values are not re-notified.
func (d *Device) SetPeripheral(addr string) {
	d.mu.RLock()
	same := d.peripheral == addr
	d.mu.RUnlock()
	if same {
		return
	}
	d.update(AttributePeripheral, func(time.Time) { d.peripheral = addr })
}

// Discovered stamps the last-discovered time.
func (d *Device) Discovered() {
	d.update(AttributeDiscovered, func(now time.Time) { d.lastDiscoveredAt = now })
}

func (d *Device) LastDiscoveredAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastDiscoveredAt
}

// RSSI returns the last measured signal strength.
func (d *Device) RSSI() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.rssi == nil {
		return 0, false
	}
	return *d.rssi, true
}

func (d *Device) SetRSSI(rssi int) {
	d.update(AttributeRSSI, func(time.Time) { d.rssi = &rssi })
}

// ----------------------------
// Classification
// ----------------------------

func (d *Device) OperatingSystem() OperatingSystem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.os
}

// SetOperatingSystem records a classification and stamps its update time,
// even when the value is unchanged, so an ignore verdict is refreshed.
func (d *Device) SetOperatingSystem(os OperatingSystem) {
	d.update(AttributeOperatingSystem, func(now time.Time) {
		d.os = os
		d.osUpdatedAt = now
	})
}

func (d *Device) SinceLastOperatingSystemUpdate() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.osUpdatedAt.IsZero() {
		return d.since(d.createdAt)
	}
	return d.since(d.osUpdatedAt)
}

func (d *Device) Goal() Goal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.goal
}

func (d *Device) SetGoal(goal Goal) {
	d.update(AttributeGoal, func(time.Time) { d.goal = goal })
}

// ----------------------------
// Payloads
// ----------------------------

// Payload returns a copy of the peer's identity payload, nil if not yet read.
func (d *Device) Payload() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.payload == nil {
		return nil
	}
	return bytes.Clone(d.payload)
}

func (d *Device) SetPayload(payload []byte) {
	payload = bytes.Clone(payload)
	d.update(AttributePayload, func(now time.Time) {
		d.payload = payload
		d.payloadUpdatedAt = now
	})
}

func (d *Device) PayloadUpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.payloadUpdatedAt
}

// PayloadSharing returns the payloads the peer shared on behalf of others.
func (d *Device) PayloadSharing() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.payloadSharing == nil {
		return nil
	}
	out := make([][]byte, len(d.payloadSharing))
	for i, p := range d.payloadSharing {
		out[i] = bytes.Clone(p)
	}
	return out
}

func (d *Device) SetPayloadSharing(payloads [][]byte) {
	cloned := make([][]byte, len(payloads))
	for i, p := range payloads {
		cloned[i] = bytes.Clone(p)
	}
	d.update(AttributePayloadSharing, func(time.Time) { d.payloadSharing = cloned })
}

// ----------------------------
// Connection bookkeeping
// ----------------------------

func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// HasHandle reports whether a native connection is currently owned.
func (d *Device) HasHandle() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handle != nil
}

// ConnectRequested stamps the connect-request time.
func (d *Device) ConnectRequested() {
	d.update(AttributeConnectRequested, func(now time.Time) { d.lastConnectRequestedAt = now })
}

func (d *Device) SinceLastConnectRequest() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastConnectRequestedAt)
}

func (d *Device) SinceLastConnected() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastConnectedAt)
}

func (d *Device) SinceLastDisconnected() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastDisconnectedAt)
}

func (d *Device) SinceLastUpdate() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastUpdatedAt)
}

// ProtocolIdle is the time since the last completed protocol exchange
// (payload read or any write-back), falling back to the connection time.
func (d *Device) ProtocolIdle() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	latest := latestOf(d.payloadUpdatedAt, d.lastWritePayloadAt, d.lastWritePayloadSharingAt, d.lastWriteRSSIAt)
	if latest.IsZero() {
		latest = d.lastConnectedAt
	}
	return d.since(latest)
}

// BeginConnect takes ownership of a freshly acquired native connection and
// moves the record to connecting.
func (d *Device) BeginConnect(conn radio.Conn) (*Handle, error) {
	d.mu.Lock()
	if d.handle != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, d.id)
	}
	now := d.clock.Now()
	h := newHandle(conn, now)
	d.handle = h
	d.state = StateConnecting
	d.lastUpdatedAt = now
	d.mu.Unlock()

	d.notify(AttributeState)
	return h, nil
}

// MarkConnected moves a record that still owns h to connected.
// Returns false if h is no longer the record's handle.
func (d *Device) MarkConnected(h *Handle) bool {
	d.mu.Lock()
	if h == nil || d.handle != h {
		d.mu.Unlock()
		return false
	}
	now := d.clock.Now()
	d.state = StateConnected
	d.lastConnectedAt = now
	d.lastUpdatedAt = now
	d.mu.Unlock()

	d.notify(AttributeState)
	return true
}

// Release is the single teardown path for native connections. With a nil h it
// releases whatever the record owns; otherwise it releases h and resets the
// record only if h is still the record's handle. The record always ends
// disconnected with no handle. Teardown errors are returned for logging only.
func (d *Device) Release(h *Handle) error {
	d.mu.Lock()
	if h != nil && d.handle != h {
		d.mu.Unlock()
		return h.release()
	}
	owned := d.handle
	d.handle = nil
	if owned != nil {
		d.state = StateDisconnecting
	}
	d.mu.Unlock()

	var err error
	if owned != nil {
		err = owned.release()
	}

	d.update(AttributeState, func(now time.Time) {
		d.state = StateDisconnected
		d.lastDisconnectedAt = now
	})
	return err
}

// MarkDisconnected records the end of an attempt that never produced a
// handle. It does nothing while the record owns one.
func (d *Device) MarkDisconnected() bool {
	d.mu.Lock()
	if d.handle != nil {
		d.mu.Unlock()
		return false
	}
	now := d.clock.Now()
	d.state = StateDisconnected
	d.lastDisconnectedAt = now
	d.lastUpdatedAt = now
	d.mu.Unlock()

	d.notify(AttributeState)
	return true
}

func (d *Device) notify(attr Attribute) {
	if d.onUpdate != nil {
		d.onUpdate(d, attr)
	}
}

// ----------------------------
// Write-back bookkeeping
// ----------------------------

// WrotePayload stamps a successful payload write.
func (d *Device) WrotePayload() {
	d.update(AttributeWriteBack, func(now time.Time) { d.lastWritePayloadAt = now })
}

// WrotePayloadSharing stamps a successful payload-sharing write.
func (d *Device) WrotePayloadSharing() {
	d.update(AttributeWriteBack, func(now time.Time) { d.lastWritePayloadSharingAt = now })
}

// WroteRSSI stamps a successful RSSI write.
func (d *Device) WroteRSSI() {
	d.update(AttributeWriteBack, func(now time.Time) { d.lastWriteRSSIAt = now })
}

func (d *Device) SinceLastWritePayload() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastWritePayloadAt)
}

func (d *Device) SinceLastWritePayloadSharing() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastWritePayloadSharingAt)
}

func (d *Device) SinceLastWriteRSSI() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(d.lastWriteRSSIAt)
}

// SinceLastWriteBack is the time since any signal write succeeded.
func (d *Device) SinceLastWriteBack() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.since(latestOf(d.lastWritePayloadAt, d.lastWritePayloadSharingAt, d.lastWriteRSSIAt))
}

func latestOf(ts ...time.Time) time.Time {
	var latest time.Time
	for _, t := range ts {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// ----------------------------
// Snapshot
// ----------------------------

// Info is an immutable copy of a record for observers and serialization.
type Info struct {
	ID               Identifier `json:"id" yaml:"id"`
	Peripheral       string     `json:"peripheral,omitempty" yaml:"peripheral,omitempty"`
	OperatingSystem  string     `json:"os" yaml:"os"`
	State            string     `json:"state" yaml:"state"`
	Goal             string     `json:"goal" yaml:"goal"`
	RSSI             *int       `json:"rssi,omitempty" yaml:"rssi,omitempty"`
	Payload          []byte     `json:"payload,omitempty" yaml:"payload,omitempty"`
	PayloadSharing   int        `json:"payload_sharing,omitempty" yaml:"payload_sharing,omitempty"`
	Connected        bool       `json:"connected" yaml:"connected"`
	LastDiscoveredAt time.Time  `json:"last_discovered_at,omitzero" yaml:"last_discovered_at,omitempty"`
	LastUpdatedAt    time.Time  `json:"last_updated_at" yaml:"last_updated_at"`
}

func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info := Info{
		ID:               d.id,
		Peripheral:       d.peripheral,
		OperatingSystem:  d.os.String(),
		State:            d.state.String(),
		Goal:             d.goal.String(),
		PayloadSharing:   len(d.payloadSharing),
		Connected:        d.handle != nil,
		LastDiscoveredAt: d.lastDiscoveredAt,
		LastUpdatedAt:    d.lastUpdatedAt,
	}
	if d.rssi != nil {
		rssi := *d.rssi
		info.RSSI = &rssi
	}
	if d.payload != nil {
		info.Payload = bytes.Clone(d.payload)
	}
	return info
}
