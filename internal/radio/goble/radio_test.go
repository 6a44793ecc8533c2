package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/internal/testutils"
)

const (
	serviceUUID = "428132af-4746-42d3-801e-4572d65bfd9b"
	payloadUUID = "3e98c0f8-8f05-4829-a121-43e38f8933e7"
	wait        = 2 * time.Second
)

type mockDevice struct {
	mock.Mock
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, handler func(radio.Advertisement)) error {
	args := m.Called(ctx, allowDup, handler)
	return args.Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, addr string) (Client, error) {
	args := m.Called(ctx, addr)
	client, _ := args.Get(0).(Client)
	return client, args.Error(1)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// linklessClient hides Disconnected to model clients that cannot report link loss.
type linklessClient struct {
	m *mockClient
}

func (c linklessClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	return c.m.DiscoverProfile(force)
}

func (c linklessClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	return c.m.ReadCharacteristic(ch)
}

func (c linklessClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	return c.m.WriteCharacteristic(ch, value, noRsp)
}

func (c linklessClient) CancelConnection() error {
	return c.m.CancelConnection()
}

type GoBLERadioTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	dev     *mockDevice
	radio   *Radio
	events  chan radio.Event
	factory func() (Device, error)
}

func (s *GoBLERadioTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.dev = &mockDevice{}
	s.factory = DeviceFactory
	DeviceFactory = func() (Device, error) { return s.dev, nil }
	s.radio = New(s.helper.Logger)
	s.events = make(chan radio.Event, 16)
}

func (s *GoBLERadioTestSuite) TearDownTest() {
	DeviceFactory = s.factory
}

func (s *GoBLERadioTestSuite) handler(ev radio.Event) {
	s.events <- ev
}

func (s *GoBLERadioTestSuite) next() radio.Event {
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(wait):
		s.FailNow("no event delivered")
		return radio.Event{}
	}
}

func profile() (*ble.Profile, *ble.Characteristic) {
	ch := &ble.Characteristic{UUID: ble.MustParse(payloadUUID)}
	return &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse(serviceUUID),
		Characteristics: []*ble.Characteristic{ch},
	}}}, ch
}

func (s *GoBLERadioTestSuite) TestOpenAndCloseFollowPowerState() {
	var states []radio.PowerState
	s.radio.OnStateChange(func(st radio.PowerState) { states = append(states, st) })
	s.Equal(radio.Unsupported, s.radio.State())

	s.Require().NoError(s.radio.Open())
	s.Equal(radio.PoweredOn, s.radio.State())

	s.dev.On("Stop").Return(nil).Once()
	s.Require().NoError(s.radio.Close())
	s.Equal([]radio.PowerState{radio.PoweredOn, radio.PoweredOff}, states)
	s.dev.AssertExpectations(s.T())
}

func (s *GoBLERadioTestSuite) TestOpenWithBluetoothOff() {
	DeviceFactory = func() (Device, error) {
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}
	err := s.radio.Open()
	s.ErrorIs(err, device.ErrBluetoothOff)
	s.Equal(radio.PoweredOff, s.radio.State())

	_, err = s.radio.Connect("aa", s.handler)
	s.ErrorIs(err, device.ErrBluetoothOff, "connect MUST fail while the adapter is off")
	s.ErrorIs(s.radio.StartScan(radio.ScanFilter{}, func(radio.Advertisement) {}), device.ErrBluetoothOff)
}

func (s *GoBLERadioTestSuite) TestScanAppliesFilter() {
	s.Require().NoError(s.radio.Open())
	matching := testutils.Advert("phone", -60).WithServices(serviceUUID).Build()
	other := testutils.Advert("kettle", -40).Build()

	s.dev.On("Scan", mock.Anything, true, mock.Anything).Run(func(args mock.Arguments) {
		h := args.Get(2).(func(radio.Advertisement))
		h(matching)
		h(other)
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled).Once()

	seen := make(chan string, 4)
	filter := radio.ScanFilter{Services: []string{serviceUUID}}
	s.Require().NoError(s.radio.StartScan(filter, func(adv radio.Advertisement) { seen <- adv.Addr() }))
	s.NoError(s.radio.StartScan(filter, func(radio.Advertisement) {}), "second start MUST be a no-op")

	s.Equal("phone", <-seen)
	s.Require().NoError(s.radio.StopScan())
	s.Empty(seen, "filtered advertisements MUST NOT be delivered")
	s.NoError(s.radio.StopScan(), "stopping an idle scanner MUST NOT fail")
	s.dev.AssertExpectations(s.T())
}

func (s *GoBLERadioTestSuite) TestConnectionLifecycle() {
	s.Require().NoError(s.radio.Open())
	client := newMockClient()
	p, ch := profile()
	s.dev.On("Dial", mock.Anything, "phone").Return(client, nil).Once()
	client.On("DiscoverProfile", true).Return(p, nil).Once()
	client.On("ReadCharacteristic", ch).Return([]byte{0xC1, 0x9A}, nil).Once()
	client.On("WriteCharacteristic", ch, []byte{0x01}, false).Return(nil).Once()
	client.On("CancelConnection").Run(func(mock.Arguments) { close(client.disconnected) }).Return(nil).Once()

	conn, err := s.radio.Connect("phone", s.handler)
	s.Require().NoError(err)
	ev := s.next()
	s.Equal(radio.EventConnectionStateChanged, ev.Kind)
	s.Equal(radio.LinkConnected, ev.Link)

	s.ErrorAs(conn.ReadCharacteristic(serviceUUID, payloadUUID), new(*device.NotFoundError),
		"reads before discovery MUST fail synchronously")

	s.Require().NoError(conn.DiscoverServices())
	ev = s.next()
	s.Equal(radio.EventServicesDiscovered, ev.Kind)
	s.NoError(ev.Err)
	svc, ok := radio.FindService(ev.Services, serviceUUID)
	s.Require().True(ok)
	s.True(svc.HasCharacteristic(payloadUUID))

	s.Require().NoError(conn.ReadCharacteristic(serviceUUID, payloadUUID))
	ev = s.next()
	s.Equal(radio.EventCharacteristicRead, ev.Kind)
	s.Equal([]byte{0xC1, 0x9A}, ev.Value)

	s.Require().NoError(conn.WriteCharacteristic(serviceUUID, payloadUUID, []byte{0x01}))
	ev = s.next()
	s.Equal(radio.EventCharacteristicWritten, ev.Kind)
	s.NoError(ev.Err)

	s.Require().NoError(conn.Disconnect())
	ev = s.next()
	s.Equal(radio.LinkDisconnected, ev.Link)
	s.NoError(ev.Err, "a requested disconnect MUST NOT carry a failure status")

	s.NoError(conn.Close())
	s.NoError(conn.Close())
	s.ErrorIs(conn.DiscoverServices(), device.ErrNotConnected)
	client.AssertExpectations(s.T())
}

func (s *GoBLERadioTestSuite) TestDisconnectWithoutLinkMonitor() {
	s.Require().NoError(s.radio.Open())
	client := newMockClient()
	s.dev.On("Dial", mock.Anything, "plain").Return(linklessClient{m: client}, nil).Once()
	client.On("CancelConnection").Return(nil).Once()

	conn, err := s.radio.Connect("plain", s.handler)
	s.Require().NoError(err)
	s.Equal(radio.LinkConnected, s.next().Link)

	s.Require().NoError(conn.Disconnect())
	ev := s.next()
	s.Equal(radio.LinkDisconnected, ev.Link, "disconnect MUST be reported even without a link monitor")
	s.NoError(ev.Err)
	s.NoError(conn.Close())
	client.AssertExpectations(s.T())
}

func (s *GoBLERadioTestSuite) TestDialFailureReportsStatus() {
	s.Require().NoError(s.radio.Open())
	s.dev.On("Dial", mock.Anything, "far").Return(nil, errors.New("connection failed: status 133")).Once()

	_, err := s.radio.Connect("far", s.handler)
	s.Require().NoError(err)
	ev := s.next()
	s.Equal(radio.LinkDisconnected, ev.Link)
	s.ErrorContains(ev.Err, "status 133")
}

func (s *GoBLERadioTestSuite) TestCloseBeforeDialCompletesIsSilent() {
	s.Require().NoError(s.radio.Open())
	s.dev.On("Dial", mock.Anything, "slow").Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()

	conn, err := s.radio.Connect("slow", s.handler)
	s.Require().NoError(err)
	s.NoError(conn.Disconnect())
	s.NoError(conn.Close())

	select {
	case ev := <-s.events:
		s.Failf("unexpected event", "%s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGoBLERadioTestSuite(t *testing.T) {
	suite.Run(t, new(GoBLERadioTestSuite))
}
