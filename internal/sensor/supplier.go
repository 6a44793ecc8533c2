package sensor

import (
	"bytes"
	"time"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/registry"
)

// FixedLengthSupplier serves a constant local payload and shares the payloads
// of recently read peers. All payloads have the length of the local one, so a
// shared blob is split into equal chunks.
type FixedLengthSupplier struct {
	payload  []byte
	registry *registry.Registry
	clock    clock.Clock
	window   time.Duration
}

// NewFixedLengthSupplier shares peer payloads updated within window.
func NewFixedLengthSupplier(payload []byte, reg *registry.Registry, clk clock.Clock, window time.Duration) *FixedLengthSupplier {
	if clk == nil {
		clk = clock.Real()
	}
	return &FixedLengthSupplier{
		payload:  bytes.Clone(payload),
		registry: reg,
		clock:    clk,
		window:   window,
	}
}

func (s *FixedLengthSupplier) Payload() []byte {
	return bytes.Clone(s.payload)
}

// PayloadSharing concatenates the fresh payloads of every classified peer
// other than peer itself, in identifier order.
func (s *FixedLengthSupplier) PayloadSharing(peer *device.Device) []byte {
	if s.registry == nil || len(s.payload) == 0 {
		return nil
	}
	now := s.clock.Now()
	var out []byte
	for _, d := range s.registry.All() {
		if d == peer || d.OperatingSystem() == device.OSIgnore {
			continue
		}
		p := d.Payload()
		if len(p) != len(s.payload) || bytes.Equal(p, s.payload) {
			continue
		}
		if now.Sub(d.PayloadUpdatedAt()) > s.window {
			continue
		}
		out = append(out, p...)
	}
	return out
}

// Split cuts data into payload-sized chunks; a trailing partial chunk is dropped.
func (s *FixedLengthSupplier) Split(data []byte) [][]byte {
	size := len(s.payload)
	if size == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{bytes.Clone(data)}
	}
	var out [][]byte
	for len(data) >= size {
		out = append(out, bytes.Clone(data[:size]))
		data = data[size:]
	}
	return out
}
