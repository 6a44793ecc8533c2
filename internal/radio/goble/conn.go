package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/groutine"
	"github.com/srg/proxim/internal/radio"
)

var _ radio.Conn = (*Conn)(nil)

// Conn is one GATT connection. Requests are serialized; each result is
// delivered to the handler as a radio.Event.
type Conn struct {
	peripheral string
	handler    radio.Handler
	logger     *logrus.Entry
	ctx        context.Context
	cancel     context.CancelFunc

	ops sync.Mutex

	mu            sync.Mutex
	client        Client
	profile       *ble.Profile
	disconnecting bool
	closed        bool
}

func newConn(peripheral string, handler radio.Handler, logger *logrus.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		peripheral: peripheral,
		handler:    handler,
		logger:     logger.WithField("peripheral", peripheral),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Conn) emit(ev radio.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.handler(ev)
}

func linkEvent(state radio.LinkState, err error) radio.Event {
	return radio.Event{Kind: radio.EventConnectionStateChanged, Link: state, Err: err}
}

func (c *Conn) dial(d Device) {
	c.logger.Debug("Dialing BLE device...")
	client, err := d.Dial(c.ctx, c.peripheral)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.WithError(err).Debug("Dial failed")
		c.emit(linkEvent(radio.LinkDisconnected, device.NormalizeError(err)))
		return
	}

	c.mu.Lock()
	if c.closed || c.disconnecting {
		c.mu.Unlock()
		_ = client.CancelConnection()
		return
	}
	c.client = client
	c.mu.Unlock()

	c.emit(linkEvent(radio.LinkConnected, nil))

	if n, ok := client.(disconnectNotifier); ok {
		groutine.Go(c.ctx, "ble-link-monitor-"+c.peripheral, func(ctx context.Context) {
			select {
			case <-n.Disconnected():
				c.logger.Debug("Link lost")
				c.emit(linkEvent(radio.LinkDisconnected, nil))
			case <-ctx.Done():
			}
		})
	}
}

func (c *Conn) liveClient() (Client, *ble.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || c.closed || c.disconnecting {
		return nil, nil, device.ErrNotConnected
	}
	return c.client, c.profile, nil
}

// request runs fn on a connection goroutine after any earlier request.
func (c *Conn) request(name string, fn func() radio.Event) {
	groutine.Go(c.ctx, "ble-"+name+"-"+c.peripheral, func(ctx context.Context) {
		c.ops.Lock()
		defer c.ops.Unlock()
		if ctx.Err() != nil {
			return
		}
		c.emit(fn())
	})
}

func (c *Conn) DiscoverServices() error {
	client, _, err := c.liveClient()
	if err != nil {
		return err
	}
	c.request("discover", func() radio.Event {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			return radio.Event{Kind: radio.EventServicesDiscovered, Err: device.NormalizeError(err)}
		}
		c.mu.Lock()
		c.profile = profile
		c.mu.Unlock()
		return radio.Event{Kind: radio.EventServicesDiscovered, Services: profileServices(profile)}
	})
	return nil
}

func (c *Conn) characteristic(service, characteristic string) (Client, *ble.Characteristic, error) {
	client, profile, err := c.liveClient()
	if err != nil {
		return nil, nil, err
	}
	ch := findCharacteristic(profile, service, characteristic)
	if ch == nil {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return client, ch, nil
}

func (c *Conn) ReadCharacteristic(service, characteristic string) error {
	client, ch, err := c.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	c.request("read", func() radio.Event {
		value, err := client.ReadCharacteristic(ch)
		return radio.Event{
			Kind:           radio.EventCharacteristicRead,
			Characteristic: characteristic,
			Value:          value,
			Err:            device.NormalizeError(err),
		}
	})
	return nil
}

func (c *Conn) WriteCharacteristic(service, characteristic string, data []byte) error {
	client, ch, err := c.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	c.request("write", func() radio.Event {
		err := client.WriteCharacteristic(ch, payload, false)
		return radio.Event{
			Kind:           radio.EventCharacteristicWritten,
			Characteristic: characteristic,
			Err:            device.NormalizeError(err),
		}
	})
	return nil
}

// Disconnect cancels the link. The link monitor reports the disconnect when
// the client supports it, otherwise Disconnect does.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.disconnecting || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.disconnecting = true
	client := c.client
	c.mu.Unlock()

	if client == nil {
		c.cancel()
		return nil
	}
	err := device.NormalizeError(client.CancelConnection())
	if _, ok := client.(disconnectNotifier); !ok {
		groutine.Go(context.Background(), "ble-disconnect-"+c.peripheral, func(context.Context) {
			c.emit(linkEvent(radio.LinkDisconnected, nil))
		})
	}
	return err
}

// Close stops every goroutine of the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	client, cancelled := c.client, c.disconnecting
	c.mu.Unlock()

	c.cancel()
	if client != nil && !cancelled {
		return device.NormalizeError(client.CancelConnection())
	}
	return nil
}
