package sensor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/internal/signal"
	"github.com/srg/proxim/internal/testutils"
	"github.com/srg/proxim/pkg/config"
)

const wait = 2 * time.Second

type recorder struct {
	mu       sync.Mutex
	detected []device.Identifier
	read     map[device.Identifier][]byte
	measured map[device.Identifier]int
	shared   map[device.Identifier][][]byte
	states   []radio.PowerState
}

func newRecorder() *recorder {
	return &recorder{
		read:     map[device.Identifier][]byte{},
		measured: map[device.Identifier]int{},
		shared:   map[device.Identifier][][]byte{},
	}
}

func (r *recorder) DidDetect(id device.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected = append(r.detected, id)
}

func (r *recorder) DidRead(payload []byte, id device.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read[id] = payload
}

func (r *recorder) DidMeasure(rssi int, id device.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measured[id] = rssi
}

func (r *recorder) DidShare(payloads [][]byte, id device.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared[id] = payloads
}

func (r *recorder) DidUpdateState(state radio.PowerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) payload(id device.Identifier) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read[id]
}

func (r *recorder) snapshot() (detected []device.Identifier, measured map[device.Identifier]int, states []radio.PowerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	measured = make(map[device.Identifier]int, len(r.measured))
	for k, v := range r.measured {
		measured[k] = v
	}
	return append(detected, r.detected...), measured, append(states, r.states...)
}

type EngineTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	cfg      config.Sensor
	radio    *testutils.FakeRadio
	engine   *Engine
	delegate *recorder
	own      []byte
}

func (s *EngineTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.cfg = config.DefaultSensor()
	s.radio = testutils.NewFakeRadio(radio.PoweredOff)
	s.own = []byte{0x0A, 0x0B}
	s.build()
}

func (s *EngineTestSuite) build() {
	s.engine = New(s.radio, s.cfg, Options{
		Clock:    s.helper.Clock,
		Logger:   s.helper.Logger,
		Supplier: NewFixedLengthSupplier(s.own, nil, s.helper.Clock, s.cfg.PayloadSharingInterval),
	})
	s.delegate = newRecorder()
	s.engine.AddDelegate(s.delegate)
}

func (s *EngineTestSuite) TearDownTest() {
	s.engine.Stop()
}

func (s *EngineTestSuite) phone(addr string, payload []byte) {
	s.radio.WithPeripheral(addr, testutils.Peripheral().
		WithService(s.cfg.ServiceUUID).
		WithCharacteristic(s.cfg.AndroidSignalUUID, nil).
		WithCharacteristic(s.cfg.PayloadUUID, payload))
}

func (s *EngineTestSuite) TestScanCycleReadsPayload() {
	payload := []byte{0xC1, 0x9A}
	s.phone("phone", payload)

	s.engine.Start(context.Background())
	s.radio.SetState(radio.PoweredOn)
	s.Require().True(s.helper.Clock.BlockUntil(1, wait))
	_, _, states := s.delegate.snapshot()
	s.Equal([]radio.PowerState{radio.PoweredOn}, states)

	s.True(s.radio.Advertise(testutils.Advert("phone", -58).WithServices(s.cfg.ServiceUUID).Build()))
	s.False(s.radio.Advertise(testutils.Advert("kettle", -40).WithManufacturer(0x0075).Build()),
		"scan filter MUST drop unrelated advertisements")

	s.helper.Clock.Advance(s.cfg.ScanOn)
	s.Require().True(testutils.Eventually(func() bool { return s.delegate.payload("phone") != nil }, wait),
		"pass MUST connect and read the payload")

	s.Equal(payload, s.delegate.payload("phone"))
	detected, measured, _ := s.delegate.snapshot()
	s.Contains(detected, device.Identifier("phone"))
	s.Equal(-58, measured["phone"])

	d, ok := s.engine.Registry().Get("phone")
	s.Require().True(ok)
	s.Equal(device.OSAndroid, d.OperatingSystem())
	s.Require().True(testutils.Eventually(func() bool { return d.State() == device.StateDisconnected }, wait))

	s.Require().True(testutils.Eventually(func() bool { _, n := s.engine.LastSummary(); return n == 1 }, wait))
	summary, _ := s.engine.LastSummary()
	s.Equal(1, summary.Results)
	s.Equal(1, summary.Devices)
	s.Equal(1, summary.Dispatched)
}

func (s *EngineTestSuite) TestProcessAppliesRegistryPolicies() {
	reg := s.engine.Registry()
	stale := reg.Upsert("stale")
	stale.SetRSSI(-90)

	s.helper.Clock.Advance(s.cfg.DeviceExpiry + time.Second)
	older := reg.Upsert("rotated-old")
	older.SetOperatingSystem(device.OSIgnore)
	older.SetPayload([]byte{0xAA})
	s.helper.Clock.Advance(time.Second)
	newer := reg.Upsert("rotated-new")
	newer.SetOperatingSystem(device.OSIgnore)
	newer.SetPayload([]byte{0xAA})

	s.engine.Process()

	summary, _ := s.engine.LastSummary()
	s.Equal(1, summary.Expired)
	s.Equal(1, summary.Duplicates)
	s.Equal(1, summary.Devices)
	_, ok := reg.Get("rotated-new")
	s.True(ok, "fresher duplicate MUST survive")
	s.Zero(summary.Dispatched, "ignored peers MUST NOT be contacted")
}

func (s *EngineTestSuite) TestWriteBackAfterPass() {
	s.cfg.WriteBack = true
	s.build()
	s.phone("quiet", nil)

	d := s.engine.Registry().Upsert("quiet")
	d.SetGoal(device.GoalRSSI)
	s.engine.intake.Push(testutils.Advert("quiet", -66).WithServices(s.cfg.ServiceUUID).Build())

	s.engine.Process()
	s.engine.connector.Wait()

	summary, _ := s.engine.LastSummary()
	s.Zero(summary.Dispatched, "rssi goal MUST keep the peer out of the read path")
	s.Equal(1, summary.WriteBacks)

	conns := s.radio.Conns()
	s.Require().Len(conns, 1)
	writes := conns[0].Writes()
	s.Require().Len(writes, 1)
	s.Equal(s.cfg.AndroidSignalUUID, writes[0].Characteristic)
	s.Equal(testutils.EncodeSignal(s.T(), signal.WriteRSSI(-66)), writes[0].Data)
	s.Zero(d.SinceLastWriteRSSI())
}

func (s *EngineTestSuite) TestStopReleasesInFlightAttempts() {
	s.radio.WithPeripheral("stuck", testutils.Peripheral().Hanging())
	s.engine.Start(context.Background())
	s.engine.intake.Push(testutils.Advert("stuck", -70).WithServices(s.cfg.ServiceUUID).Build())

	s.engine.Process()
	d, _ := s.engine.Registry().Get("stuck")
	s.Require().True(testutils.Eventually(d.HasHandle, wait))

	s.engine.Stop()

	s.False(d.HasHandle(), "stop MUST release every native handle")
	s.Equal(device.StateDisconnected, d.State())
	s.Zero(s.radio.OpenConns())
}

func (s *EngineTestSuite) TestPayloadSharingReported() {
	s.radio.WithPeripheral("hub", testutils.Peripheral().
		WithService(s.cfg.ServiceUUID).
		WithCharacteristic(s.cfg.IOSSignalUUID, nil).
		WithCharacteristic(s.cfg.PayloadSharingUUID, []byte{1, 2, 3, 4}))
	d := s.engine.Registry().Upsert("hub")
	d.SetGoal(device.GoalPayloadSharing)
	s.engine.intake.Push(testutils.Advert("hub", -50).WithServices(s.cfg.ServiceUUID).WithManufacturer(0x004C).Build())

	s.engine.Process()
	s.engine.connector.Wait()

	s.delegate.mu.Lock()
	defer s.delegate.mu.Unlock()
	s.Equal([][]byte{{1, 2}, {3, 4}}, s.delegate.shared["hub"])
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
