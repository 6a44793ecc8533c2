// Package goble adapts github.com/go-ble/ble to the radio interfaces. GATT
// requests run on connection goroutines and report back as radio.Events.
package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/examples/lib/dev"

	"github.com/srg/proxim/internal/radio"
)

// Device is the part of ble.Device the adapter drives.
type Device interface {
	Scan(ctx context.Context, allowDup bool, handler func(radio.Advertisement)) error
	Dial(ctx context.Context, addr string) (Client, error)
	Stop() error
}

// Client is the part of ble.Client a connection drives.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// DeviceFactory creates the platform device. It is a variable so tests can
// substitute a scripted one.
var DeviceFactory = func() (Device, error) {
	d, err := dev.NewDevice("default")
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(d)
	return &bleDevice{dev: d}, nil
}

// bleDevice wraps ble.Device to convert advertisements and addresses.
type bleDevice struct {
	dev ble.Device
}

func (d *bleDevice) Scan(ctx context.Context, allowDup bool, handler func(radio.Advertisement)) error {
	return d.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewAdvertisement(adv))
	})
}

func (d *bleDevice) Dial(ctx context.Context, addr string) (Client, error) {
	client, err := d.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *bleDevice) Stop() error {
	return d.dev.Stop()
}

var _ radio.Advertisement = (*Advertisement)(nil)

// Advertisement wraps ble.Advertisement to implement radio.Advertisement.
type Advertisement struct {
	adv ble.Advertisement
}

func NewAdvertisement(adv ble.Advertisement) *Advertisement {
	return &Advertisement{adv: adv}
}

func (a *Advertisement) Addr() string             { return a.adv.Addr().String() }
func (a *Advertisement) LocalName() string        { return a.adv.LocalName() }
func (a *Advertisement) RSSI() int                { return a.adv.RSSI() }
func (a *Advertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *Advertisement) Connectable() bool        { return a.adv.Connectable() }

func (a *Advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = u.String()
	}
	return out
}

// profileServices flattens a discovered profile into radio.Services.
func profileServices(p *ble.Profile) []radio.Service {
	if p == nil {
		return nil
	}
	out := make([]radio.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := radio.Service{UUID: s.UUID.String()}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, c.UUID.String())
		}
		out = append(out, svc)
	}
	return out
}

// findCharacteristic looks up a characteristic in any notation of its UUIDs.
func findCharacteristic(p *ble.Profile, service, characteristic string) *ble.Characteristic {
	if p == nil {
		return nil
	}
	for _, s := range p.Services {
		if !radio.SameUUID(s.UUID.String(), service) {
			continue
		}
		for _, c := range s.Characteristics {
			if radio.SameUUID(c.UUID.String(), characteristic) {
				return c
			}
		}
	}
	return nil
}
