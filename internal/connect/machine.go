package connect

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/pkg/config"
)

// Operation is the single GATT exchange performed by one attempt: either a
// read whose value is handed to Read, or a write of Write.
type Operation struct {
	Name           string
	Characteristic string
	Read           func(value []byte)
	Write          []byte
}

func (op Operation) validate() error {
	switch {
	case op.Read != nil && op.Write != nil:
		return device.ErrReadAndWrite
	case op.Read == nil && op.Write == nil:
		return device.ErrOperationEmpty
	case op.Characteristic == "":
		return fmt.Errorf("%w: no characteristic", device.ErrOperationEmpty)
	}
	return nil
}

// ReadOperation reads characteristic and hands a successful value to fn.
func ReadOperation(name, characteristic string, fn func(value []byte)) Operation {
	return Operation{Name: name, Characteristic: characteristic, Read: fn}
}

// WriteOperation writes data to characteristic.
func WriteOperation(name, characteristic string, data []byte) Operation {
	return Operation{Name: name, Characteristic: characteristic, Write: data}
}

// Machine runs connection attempts against the radio. Each attempt is
// connect, discover, one read or write, disconnect.
type Machine struct {
	radio  radio.Radio
	cfg    config.Sensor
	clock  clock.Clock
	logger *logrus.Logger
}

func NewMachine(r radio.Radio, cfg config.Sensor, clk clock.Clock, logger *logrus.Logger) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{radio: r, cfg: cfg, clock: clk, logger: logger}
}

// Run performs one attempt and blocks until it completes or the connection
// timeout elapses. It reports whether the read or write succeeded. The record
// is always left disconnected without a handle.
func (m *Machine) Run(ctx context.Context, d *device.Device, op Operation) bool {
	d.ConnectRequested()

	logger := m.logger.WithFields(logrus.Fields{"device": d.String(), "task": op.Name})
	if err := op.validate(); err != nil {
		logger.WithError(err).Error("Connection task denied")
		return false
	}
	peripheral := d.Peripheral()
	if peripheral == "" {
		logger.WithError(device.ErrNoPeripheral).Debug("Connection task skipped")
		return false
	}
	if d.HasHandle() {
		logger.WithError(device.ErrAlreadyConnected).Debug("Connection task skipped")
		return false
	}

	a := &attempt{
		device: d,
		op:     op,
		cfg:    m.cfg,
		future: NewFuture(m.clock),
		ready:  make(chan struct{}),
		logger: logger,
	}

	logger.Debug("Connecting")
	conn, err := m.radio.Connect(peripheral, a.dispatch)
	if err != nil {
		close(a.ready)
		logger.WithError(device.NormalizeError(err)).Error("Connect failed")
		a.finish("connect|noHandle", false)
		return false
	}

	h, err := d.BeginConnect(conn)
	if err != nil {
		close(a.ready)
		logger.WithError(err).Error("Connect raced with another attempt")
		closeOrphan(conn, logger)
		a.finish("connect|raced", false)
		return false
	}
	a.setHandle(h)
	close(a.ready)

	res, err := a.future.Await(ctx, m.cfg.ConnectionTimeout)
	if err != nil {
		logger.WithError(err).WithField("timeout", m.cfg.ConnectionTimeout).Debug("Connection attempt timed out")
		a.finish("connect|"+res.Source, false)
		<-a.future.Done()
		res, _ = a.future.Result()
	}
	logger.WithFields(logrus.Fields{"source": res.Source, "success": res.OK}).Debug("Connection attempt finished")
	return res.OK
}

// closeOrphan tears down a native handle that was never handed to a record.
func closeOrphan(conn radio.Conn, logger *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", fmt.Sprint(r)).Warn("Closing orphan connection failed")
		}
	}()
	if err := conn.Disconnect(); err != nil {
		logger.WithError(err).Warn("Disconnect of orphan connection failed")
	}
	if err := conn.Close(); err != nil {
		logger.WithError(err).Warn("Close of orphan connection failed")
	}
}

// attempt is the state of one connection. All radio callbacks go through
// dispatch; every terminal path goes through finish.
type attempt struct {
	device *device.Device
	op     Operation
	cfg    config.Sensor
	future *Future
	ready  chan struct{}
	logger *logrus.Entry

	mu       sync.Mutex
	handle   *device.Handle
	issued   bool
	finished bool
}

func (a *attempt) setHandle(h *device.Handle) {
	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
}

func (a *attempt) current() (*device.Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle, !a.finished && a.handle != nil
}

func (a *attempt) dispatch(ev radio.Event) {
	<-a.ready

	h, live := a.current()
	if !live {
		a.logger.WithField("event", ev.String()).Debug("Ignoring late connection event")
		return
	}

	switch ev.Kind {
	case radio.EventConnectionStateChanged:
		a.onLinkState(h, ev)
	case radio.EventServicesDiscovered:
		a.onServicesDiscovered(h, ev)
	case radio.EventCharacteristicRead:
		ok := ev.Err == nil && ev.Value != nil
		if ok {
			a.op.Read(ev.Value)
		} else {
			a.logger.WithError(ev.Err).Warn("Characteristic read failed")
		}
		a.finish("onCharacteristicRead", ok)
	case radio.EventCharacteristicWritten:
		if ev.Err != nil {
			a.logger.WithError(ev.Err).Warn("Characteristic write failed")
		}
		a.finish("onCharacteristicWrite", ev.Err == nil)
	}
}

func (a *attempt) onLinkState(h *device.Handle, ev radio.Event) {
	switch ev.Link {
	case radio.LinkConnected:
		if !a.device.MarkConnected(h) {
			a.finish("onConnectionStateChange|stale", false)
			return
		}
		a.logger.Debug("Connected, discovering services")
		if err := h.Conn().DiscoverServices(); err != nil {
			a.logger.WithError(device.NormalizeError(err)).Error("Service discovery failed")
			a.finish("onConnectionStateChange|discoverFailed", false)
		}
	case radio.LinkDisconnected:
		if ev.Err != nil {
			a.logger.WithError(ev.Err).Warn("Disconnected with failure status")
			a.device.SetOperatingSystem(device.OSIgnore)
		}
		a.finish("onConnectionStateChange", false)
	}
}

func (a *attempt) onServicesDiscovered(h *device.Handle, ev radio.Event) {
	a.mu.Lock()
	if a.issued {
		a.mu.Unlock()
		return
	}
	a.issued = true
	a.mu.Unlock()

	if ev.Err != nil {
		a.logger.WithError(ev.Err).Error("Service discovery failed")
		a.finish("onServicesDiscovered|failed", false)
		return
	}

	svc, ok := radio.FindService(ev.Services, a.cfg.ServiceUUID)
	if !ok {
		a.logger.Error("Sensor service not found")
		a.device.SetOperatingSystem(device.OSIgnore)
		a.finish("onServicesDiscovered|serviceNotFound", false)
		return
	}

	// the last signal characteristic in discovery order decides
	detected := device.OSUnknown
	for _, c := range svc.Characteristics {
		switch {
		case radio.SameUUID(c, a.cfg.AndroidSignalUUID):
			detected = device.OSAndroid
		case radio.SameUUID(c, a.cfg.IOSSignalUUID):
			detected = device.OSIOS
		}
	}
	if detected != device.OSUnknown {
		a.logger.WithField("os", detected).Debug("Found signal characteristic")
		a.device.SetOperatingSystem(detected)
	}

	if !svc.HasCharacteristic(a.op.Characteristic) {
		a.logger.WithField("characteristic", a.op.Characteristic).Warn("Characteristic not found")
		a.finish("onServicesDiscovered|characteristicNotFound", false)
		return
	}

	conn := h.Conn()
	if a.op.Read != nil {
		if err := conn.ReadCharacteristic(svc.UUID, a.op.Characteristic); err != nil {
			a.logger.WithError(err).Error("Read request failed")
			a.finish("onServicesDiscovered|readCharacteristicFailed", false)
		}
		return
	}
	if err := conn.WriteCharacteristic(svc.UUID, a.op.Characteristic, a.op.Write); err != nil {
		a.logger.WithError(err).Error("Write request failed")
		a.finish("onServicesDiscovered|writeCharacteristicFailed", false)
	}
}

// finish is the single terminal path: release the handle, reset the record
// and resolve the future. Only the first call has any effect.
func (a *attempt) finish(source string, ok bool) {
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		return
	}
	a.finished = true
	h := a.handle
	a.mu.Unlock()

	if h != nil {
		if err := a.device.Release(h); err != nil {
			a.logger.WithError(err).Warn("Connection teardown failed")
		}
	} else {
		a.device.MarkDisconnected()
	}
	a.logger.WithField("source", source).Debug("Disconnected")
	a.future.Resolve(ok, source)
}
