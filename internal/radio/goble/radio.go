package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/groutine"
	"github.com/srg/proxim/internal/radio"
)

var _ radio.Radio = (*Radio)(nil)

// Radio implements radio.Radio on top of a go-ble device.
//
// go-ble has no power-state callbacks, so the state follows the adapter's
// lifecycle: Open reports poweredOn, Close reports poweredOff, and a scan
// failing because Bluetooth is off reports poweredOff.
type Radio struct {
	logger *logrus.Logger

	mu        sync.Mutex
	dev       Device
	state     radio.PowerState
	listeners []func(radio.PowerState)

	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

func New(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger, state: radio.Unsupported}
}

// Open creates the platform device through DeviceFactory.
func (r *Radio) Open() error {
	r.mu.Lock()
	if r.dev != nil {
		r.mu.Unlock()
		return nil
	}
	d, err := DeviceFactory()
	if err != nil {
		r.mu.Unlock()
		err = device.NormalizeError(err)
		if errors.Is(err, device.ErrBluetoothOff) {
			r.setState(radio.PoweredOff)
		}
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	r.dev = d
	r.mu.Unlock()

	r.logger.Info("BLE device ready")
	r.setState(radio.PoweredOn)
	return nil
}

// Close stops scanning and the platform device.
func (r *Radio) Close() error {
	if err := r.StopScan(); err != nil {
		r.logger.WithError(err).Warn("Failed to stop scan on close")
	}
	r.mu.Lock()
	d := r.dev
	r.dev = nil
	r.mu.Unlock()
	if d == nil {
		return nil
	}
	r.setState(radio.PoweredOff)
	return device.NormalizeError(d.Stop())
}

func (r *Radio) State() radio.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Radio) OnStateChange(fn func(radio.PowerState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Radio) setState(state radio.PowerState) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	listeners := append([]func(radio.PowerState){}, r.listeners...)
	r.mu.Unlock()

	r.logger.WithField("state", state).Info("Bluetooth state changed")
	for _, fn := range listeners {
		fn(state)
	}
}

func (r *Radio) activeDevice() (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil || r.state != radio.PoweredOn {
		return nil, device.ErrBluetoothOff
	}
	return r.dev, nil
}

// StartScan scans with duplicates allowed; every report refreshes RSSI.
func (r *Radio) StartScan(filter radio.ScanFilter, onAdvert func(radio.Advertisement)) error {
	d, err := r.activeDevice()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.scanCancel != nil {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.scanCancel, r.scanDone = cancel, done
	r.mu.Unlock()

	groutine.GoSafe(ctx, "ble-scan", r.logger, func(ctx context.Context) {
		defer close(done)
		defer r.scanEnded(done)
		err := d.Scan(ctx, true, func(adv radio.Advertisement) {
			if filter.Match(adv) {
				onAdvert(adv)
			}
		})
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		err = device.NormalizeError(err)
		r.logger.WithError(err).Error("Scan failed")
		if errors.Is(err, device.ErrBluetoothOff) {
			r.setState(radio.PoweredOff)
		}
	})
	return nil
}

// scanEnded forgets a scan that stopped by itself so the next StartScan runs.
func (r *Radio) scanEnded(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanDone == done {
		r.scanCancel()
		r.scanCancel, r.scanDone = nil, nil
	}
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	cancel, done := r.scanCancel, r.scanDone
	r.scanCancel, r.scanDone = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Connect dials the peripheral in the background and returns immediately.
func (r *Radio) Connect(peripheral string, handler radio.Handler) (radio.Conn, error) {
	d, err := r.activeDevice()
	if err != nil {
		return nil, err
	}
	c := newConn(peripheral, handler, r.logger)
	groutine.GoSafe(c.ctx, "ble-dial-"+peripheral, r.logger, func(context.Context) {
		c.dial(d)
	})
	return c, nil
}
