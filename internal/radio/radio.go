// Package radio defines the platform-neutral surface of the Bluetooth LE radio:
// power-state notifications, scanning, and asynchronous GATT connections whose
// callbacks are delivered as typed Events.
package radio

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// PowerState is the adapter power state.
type PowerState int

const (
	Unsupported PowerState = iota
	PoweredOn
	PoweredOff
	Resetting
)

func (s PowerState) String() string {
	switch s {
	case Unsupported:
		return "unsupported"
	case PoweredOn:
		return "poweredOn"
	case PoweredOff:
		return "poweredOff"
	case Resetting:
		return "resetting"
	default:
		return fmt.Sprintf("powerState(%d)", int(s))
	}
}

// Advertisement is one received advertising report.
type Advertisement interface {
	Addr() string
	LocalName() string
	RSSI() int
	Services() []string
	ManufacturerData() []byte
	Connectable() bool
}

// ScanFilter selects advertisements carrying any of the listed services OR
// manufacturer data from any of the listed company identifiers.
type ScanFilter struct {
	Services        []string
	ManufacturerIDs []uint16
}

// Match reports whether the advertisement passes the filter. An empty filter matches everything.
func (f ScanFilter) Match(adv Advertisement) bool {
	if len(f.Services) == 0 && len(f.ManufacturerIDs) == 0 {
		return true
	}
	for _, want := range f.Services {
		if HasService(adv, want) {
			return true
		}
	}
	if id, ok := CompanyID(adv.ManufacturerData()); ok {
		for _, want := range f.ManufacturerIDs {
			if id == want {
				return true
			}
		}
	}
	return false
}

// Service is a discovered GATT service with its characteristic UUIDs.
type Service struct {
	UUID            string
	Characteristics []string
}

// FindService returns the service matching uuid.
func FindService(services []Service, uuid string) (Service, bool) {
	for _, s := range services {
		if SameUUID(s.UUID, uuid) {
			return s, true
		}
	}
	return Service{}, false
}

// HasCharacteristic reports whether the service exposes the characteristic.
func (s Service) HasCharacteristic(uuid string) bool {
	for _, c := range s.Characteristics {
		if SameUUID(c, uuid) {
			return true
		}
	}
	return false
}

// SameUUID compares two UUID strings in any of the accepted notations
// (16-bit short form, dashed or undashed 128-bit).
func SameUUID(a, b string) bool {
	ua, errA := ble.Parse(a)
	ub, errB := ble.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return ua.Equal(ub)
}

// HasService reports whether the advertisement lists the service UUID.
func HasService(adv Advertisement, uuid string) bool {
	for _, s := range adv.Services() {
		if SameUUID(s, uuid) {
			return true
		}
	}
	return false
}

// CompanyID extracts the little-endian company identifier that prefixes manufacturer data.
func CompanyID(manufacturerData []byte) (uint16, bool) {
	if len(manufacturerData) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(manufacturerData[:2]), true
}

// Radio is the platform adapter used by the engine.
type Radio interface {
	// State returns the current adapter power state.
	State() PowerState
	// OnStateChange registers a callback for power-state transitions.
	OnStateChange(fn func(PowerState))
	// StartScan begins delivering matching advertisements to onAdvert from radio goroutines.
	StartScan(filter ScanFilter, onAdvert func(Advertisement)) error
	// StopScan ends the current scan. Stopping an idle scanner is not an error.
	StopScan() error
	// Connect starts an asynchronous connection and returns its native handle
	// immediately. Progress is reported through handler.
	Connect(peripheral string, handler Handler) (Conn, error)
}

// Conn is a native GATT connection handle. Operations return once the request
// is queued; results arrive as Events on the connection's Handler.
type Conn interface {
	DiscoverServices() error
	ReadCharacteristic(service, characteristic string) error
	WriteCharacteristic(service, characteristic string, data []byte) error
	// Disconnect requests link teardown.
	Disconnect() error
	// Close releases the handle. Safe to call more than once.
	Close() error
}
