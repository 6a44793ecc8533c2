package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/proxim/internal/radio"
)

// CharacteristicConfig is one scripted GATT characteristic.
type CharacteristicConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// ServiceConfig is one scripted GATT service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralProfile scripts how a fake peripheral answers a connection.
type PeripheralProfile struct {
	Services []ServiceConfig `json:"services"`

	// ConnectErr fails Connect synchronously.
	ConnectErr error `json:"-"`
	// Hang leaves the link in connecting forever.
	Hang bool `json:"hang,omitempty"`
	// DiscoverErr fails service discovery.
	DiscoverErr error `json:"-"`
	// ReadErr fails every characteristic read.
	ReadErr error `json:"-"`
	// WriteErr fails every characteristic write.
	WriteErr error `json:"-"`
	// LinkFailure reports a disconnect with this status instead of connecting.
	LinkFailure error `json:"-"`
}

// PeripheralBuilder builds a PeripheralProfile with a fluent API.
type PeripheralBuilder struct {
	profile PeripheralProfile
}

func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{}
}

// WithService adds a service; following WithCharacteristic calls attach to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic called before WithService")
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, CharacteristicConfig{UUID: uuid, Value: value})
	return b
}

func (b *PeripheralBuilder) WithConnectError(err error) *PeripheralBuilder {
	b.profile.ConnectErr = err
	return b
}

func (b *PeripheralBuilder) WithDiscoverError(err error) *PeripheralBuilder {
	b.profile.DiscoverErr = err
	return b
}

func (b *PeripheralBuilder) WithReadError(err error) *PeripheralBuilder {
	b.profile.ReadErr = err
	return b
}

func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.profile.WriteErr = err
	return b
}

func (b *PeripheralBuilder) WithLinkFailure(status error) *PeripheralBuilder {
	b.profile.LinkFailure = status
	return b
}

// Hanging makes the connection never complete.
func (b *PeripheralBuilder) Hanging() *PeripheralBuilder {
	b.profile.Hang = true
	return b
}

// FromJSON fills the service table from JSON. Panics on invalid input.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.profile); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	return b
}

func (b *PeripheralBuilder) Build() PeripheralProfile {
	p := b.profile
	p.Services = append([]ServiceConfig(nil), b.profile.Services...)
	return p
}

func (p PeripheralProfile) radioServices() []radio.Service {
	out := make([]radio.Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := radio.Service{UUID: strings.ToLower(s.UUID)}
		for _, c := range s.Characteristics {
			svc.Characteristics = append(svc.Characteristics, strings.ToLower(c.UUID))
		}
		out = append(out, svc)
	}
	return out
}

func (p PeripheralProfile) value(service, characteristic string) ([]byte, bool) {
	for _, s := range p.Services {
		if !radio.SameUUID(s.UUID, service) {
			continue
		}
		for _, c := range s.Characteristics {
			if radio.SameUUID(c.UUID, characteristic) {
				return c.Value, true
			}
		}
	}
	return nil, false
}
