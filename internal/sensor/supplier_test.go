package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/registry"
	"github.com/srg/proxim/internal/testutils"
)

func TestFixedLengthSupplier_PayloadSharing(t *testing.T) {
	clk := clock.NewFake(testutils.Epoch)
	reg := registry.New(clk, time.Hour, nil)
	own := []byte{0x00, 0x00}
	s := NewFixedLengthSupplier(own, reg, clk, 5*time.Minute)

	reg.Upsert("stale").SetPayload([]byte{0x01, 0x01})
	clk.Advance(10 * time.Minute)

	target := reg.Upsert("target")
	target.SetPayload([]byte{0x02, 0x02})
	reg.Upsert("b-peer").SetPayload([]byte{0x03, 0x03})
	reg.Upsert("a-peer").SetPayload([]byte{0x04, 0x04})
	reg.Upsert("odd-length").SetPayload([]byte{0x05})
	reg.Upsert("echo").SetPayload(own)
	ignored := reg.Upsert("ignored")
	ignored.SetPayload([]byte{0x06, 0x06})
	ignored.SetOperatingSystem(device.OSIgnore)

	assert.Equal(t, []byte{0x04, 0x04, 0x03, 0x03}, s.PayloadSharing(target),
		"sharing MUST include only fresh, well-formed payloads of other peers")
}

func TestFixedLengthSupplier_Split(t *testing.T) {
	s := NewFixedLengthSupplier([]byte{0xAA, 0xBB, 0xCC}, nil, nil, time.Minute)

	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5, 6}}, s.Split([]byte{1, 2, 3, 4, 5, 6, 7}), "partial chunk MUST be dropped")
	assert.Empty(t, s.Split(nil))
	assert.Nil(t, s.PayloadSharing(nil), "no registry MUST share nothing")

	s.Payload()[0] = 0x00
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, s.Payload(), "payload MUST be returned as a copy")
}
