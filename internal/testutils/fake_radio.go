package testutils

import (
	"errors"
	"sync"

	"github.com/srg/proxim/internal/radio"
)

// FakeRadio is a scripted radio.Radio. Peripherals are registered by address
// with a PeripheralProfile; unknown addresses connect and expose no services.
type FakeRadio struct {
	mu            sync.Mutex
	state         radio.PowerState
	stateHandlers []func(radio.PowerState)

	scanning     bool
	filter       radio.ScanFilter
	onAdvert     func(radio.Advertisement)
	startScanErr error
	startCalls   int
	stopCalls    int

	peripherals  map[string]PeripheralProfile
	connectCalls map[string]int
	conns        []*FakeConn
}

func NewFakeRadio(state radio.PowerState) *FakeRadio {
	return &FakeRadio{
		state:        state,
		peripherals:  make(map[string]PeripheralProfile),
		connectCalls: make(map[string]int),
	}
}

// WithPeripheral registers a scripted peripheral.
func (r *FakeRadio) WithPeripheral(addr string, b *PeripheralBuilder) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripherals[addr] = b.Build()
	return r
}

// FailStartScan makes subsequent StartScan calls return err until reset with nil.
func (r *FakeRadio) FailStartScan(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startScanErr = err
}

func (r *FakeRadio) State() radio.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *FakeRadio) OnStateChange(fn func(radio.PowerState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateHandlers = append(r.stateHandlers, fn)
}

// SetState changes the power state and notifies listeners synchronously.
func (r *FakeRadio) SetState(state radio.PowerState) {
	r.mu.Lock()
	r.state = state
	if state != radio.PoweredOn {
		r.scanning = false
		r.onAdvert = nil
	}
	handlers := append([]func(radio.PowerState){}, r.stateHandlers...)
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(state)
	}
}

func (r *FakeRadio) StartScan(filter radio.ScanFilter, onAdvert func(radio.Advertisement)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCalls++
	if r.state != radio.PoweredOn {
		return errors.New("bluetooth is turned off")
	}
	if r.startScanErr != nil {
		return r.startScanErr
	}
	r.scanning = true
	r.filter = filter
	r.onAdvert = onAdvert
	return nil
}

func (r *FakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCalls++
	r.scanning = false
	r.onAdvert = nil
	return nil
}

// Advertise delivers adv to the active scan if it passes the scan filter.
// Reports whether the advertisement was delivered.
func (r *FakeRadio) Advertise(adv radio.Advertisement) bool {
	r.mu.Lock()
	onAdvert := r.onAdvert
	match := r.scanning && r.filter.Match(adv)
	r.mu.Unlock()

	if onAdvert == nil || !match {
		return false
	}
	onAdvert(adv)
	return true
}

func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func (r *FakeRadio) StartCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startCalls
}

func (r *FakeRadio) StopCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCalls
}

func (r *FakeRadio) Connect(peripheral string, handler radio.Handler) (radio.Conn, error) {
	r.mu.Lock()
	r.connectCalls[peripheral]++
	profile := r.peripherals[peripheral]
	if profile.ConnectErr != nil {
		r.mu.Unlock()
		return nil, profile.ConnectErr
	}
	conn := &FakeConn{addr: peripheral, profile: profile, handler: handler}
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	switch {
	case profile.Hang:
	case profile.LinkFailure != nil:
		conn.emit(radio.Event{Kind: radio.EventConnectionStateChanged, Link: radio.LinkDisconnected, Err: profile.LinkFailure})
	default:
		conn.emit(radio.Event{Kind: radio.EventConnectionStateChanged, Link: radio.LinkConnected})
	}
	return conn, nil
}

// ConnectCalls reports how many times Connect was called for the address.
func (r *FakeRadio) ConnectCalls(peripheral string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectCalls[peripheral]
}

// Conns returns every connection handed out so far.
func (r *FakeRadio) Conns() []*FakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeConn(nil), r.conns...)
}

// OpenConns counts connections that were never closed.
func (r *FakeRadio) OpenConns() int {
	n := 0
	for _, c := range r.Conns() {
		if c.CloseCalls() == 0 {
			n++
		}
	}
	return n
}

// Write is a recorded characteristic write.
type Write struct {
	Service        string
	Characteristic string
	Data           []byte
}

// FakeConn is a scripted radio.Conn. Results are delivered to the handler on
// their own goroutine, like a platform callback thread.
type FakeConn struct {
	addr    string
	profile PeripheralProfile
	handler radio.Handler

	// DisconnectErr is returned by Disconnect.
	DisconnectErr error
	// ClosePanics makes Close panic, simulating an already invalid native handle.
	ClosePanics bool

	mu              sync.Mutex
	disconnectCalls int
	closeCalls      int
	reads           []string
	writes          []Write
}

// NewFakeConn returns a standalone connection with no event handler.
func NewFakeConn(addr string) *FakeConn {
	return &FakeConn{addr: addr}
}

func (c *FakeConn) Addr() string {
	return c.addr
}

func (c *FakeConn) emit(ev radio.Event, more ...radio.Event) {
	if c.handler == nil {
		return
	}
	go func() {
		c.handler(ev)
		for _, e := range more {
			c.handler(e)
		}
	}()
}

// Inject delivers ev to the connection handler synchronously, as a late or
// unsolicited platform callback.
func (c *FakeConn) Inject(ev radio.Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *FakeConn) DiscoverServices() error {
	if c.profile.DiscoverErr != nil {
		c.emit(radio.Event{Kind: radio.EventServicesDiscovered, Err: c.profile.DiscoverErr})
		return nil
	}
	c.emit(radio.Event{Kind: radio.EventServicesDiscovered, Services: c.profile.radioServices()})
	return nil
}

func (c *FakeConn) ReadCharacteristic(service, characteristic string) error {
	c.mu.Lock()
	c.reads = append(c.reads, characteristic)
	c.mu.Unlock()

	ev := radio.Event{Kind: radio.EventCharacteristicRead, Characteristic: characteristic}
	switch value, ok := c.profile.value(service, characteristic); {
	case c.profile.ReadErr != nil:
		ev.Err = c.profile.ReadErr
	case !ok:
		ev.Err = errors.New("characteristic not found")
	default:
		ev.Value = append([]byte(nil), value...)
	}
	c.emit(ev)
	return nil
}

func (c *FakeConn) WriteCharacteristic(service, characteristic string, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, Write{Service: service, Characteristic: characteristic, Data: append([]byte(nil), data...)})
	c.mu.Unlock()

	ev := radio.Event{Kind: radio.EventCharacteristicWritten, Characteristic: characteristic, Err: c.profile.WriteErr}
	c.emit(ev)
	return nil
}

func (c *FakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnectCalls++
	c.mu.Unlock()
	return c.DisconnectErr
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	if c.ClosePanics {
		panic("native handle already released")
	}
	return nil
}

func (c *FakeConn) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

func (c *FakeConn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *FakeConn) Reads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reads...)
}

func (c *FakeConn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}
