package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/proxim/internal/radio"
)

// Advertisement is a static radio.Advertisement for tests.
type Advertisement struct {
	AddrValue        string   `json:"address"`
	Name             string   `json:"name"`
	RSSIValue        int      `json:"rssi"`
	ServiceUUIDs     []string `json:"services"`
	Manufacturer     []byte   `json:"manufacturerData"`
	ConnectableValue bool     `json:"connectable"`
}

func (a *Advertisement) Addr() string             { return a.AddrValue }
func (a *Advertisement) LocalName() string        { return a.Name }
func (a *Advertisement) RSSI() int                { return a.RSSIValue }
func (a *Advertisement) Services() []string       { return a.ServiceUUIDs }
func (a *Advertisement) ManufacturerData() []byte { return a.Manufacturer }
func (a *Advertisement) Connectable() bool        { return a.ConnectableValue }

var _ radio.Advertisement = (*Advertisement)(nil)

// AdvertisementBuilder builds advertisements with a fluent API.
// The builder starts connectable with RSSI -60.
type AdvertisementBuilder struct {
	adv Advertisement
}

func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{RSSIValue: -60, ConnectableValue: true}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.AddrValue = addr
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSIValue = rssi
	return b
}

// WithServices adds service UUIDs in short or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithManufacturer sets manufacturer data prefixed by the little-endian company identifier.
func (b *AdvertisementBuilder) WithManufacturer(companyID uint16, data ...byte) *AdvertisementBuilder {
	b.adv.Manufacturer = append([]byte{byte(companyID), byte(companyID >> 8)}, data...)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.ConnectableValue = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}
	return b
}

func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	adv.Manufacturer = append([]byte(nil), b.adv.Manufacturer...)
	return &adv
}
