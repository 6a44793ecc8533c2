package connect

import (
	"context"
	"time"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/signal"
	"github.com/srg/proxim/internal/testutils"
)

func (s *ConnectSchedulerTestSuite) TestWriteBackPriority() {
	own := []byte{0xEE, 0xFF}
	sharing := []byte{0xA1, 0xA2}

	tests := []struct {
		name           string
		setup          func(d *device.Device)
		sharing        []byte
		expectedErr    error
		expectedName   string
		expectedAction signal.Action
		expectedChar   string
	}{
		{
			name:        "unknown platform denied",
			setup:       func(d *device.Device) { d.SetRSSI(-50) },
			expectedErr: ErrWriteBackDenied,
		},
		{
			name: "ignored peer denied",
			setup: func(d *device.Device) {
				d.SetOperatingSystem(device.OSIgnore)
				d.SetRSSI(-50)
			},
			expectedErr: ErrWriteBackDenied,
		},
		{
			name: "payload first",
			setup: func(d *device.Device) {
				d.SetOperatingSystem(device.OSIOS)
				d.SetPayload([]byte{0x01})
				d.SetRSSI(-50)
			},
			sharing:        sharing,
			expectedName:   "writePayload",
			expectedAction: signal.ActionWritePayload,
			expectedChar:   s.cfg.IOSSignalUUID,
		},
		{
			name: "payload sharing once payload is fresh",
			setup: func(d *device.Device) {
				d.SetOperatingSystem(device.OSAndroid)
				d.SetPayload([]byte{0x01})
				d.WrotePayload()
				d.SetRSSI(-50)
			},
			sharing:        sharing,
			expectedName:   "writePayloadSharing",
			expectedAction: signal.ActionWritePayloadSharing,
			expectedChar:   s.cfg.AndroidSignalUUID,
		},
		{
			name: "rssi last",
			setup: func(d *device.Device) {
				d.SetOperatingSystem(device.OSAndroid)
				d.SetPayload([]byte{0x01})
				d.WrotePayload()
				d.WrotePayloadSharing()
				d.SetRSSI(-50)
			},
			sharing:        sharing,
			expectedName:   "writeRSSI",
			expectedAction: signal.ActionWriteRSSI,
			expectedChar:   s.cfg.AndroidSignalUUID,
		},
		{
			name:        "nothing due",
			setup:       func(d *device.Device) { d.SetOperatingSystem(device.OSAndroid) },
			expectedErr: ErrNothingToWrite,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			machine := NewMachine(s.radio, s.cfg, s.helper.Clock, s.helper.Logger)
			s.scheduler = NewScheduler(machine, stubSupplier{own: own, sharing: tt.sharing}, s.cfg, s.helper.Logger)
			d := device.New(device.Identifier(tt.name), s.helper.Clock, nil)
			tt.setup(d)

			op, done, err := s.scheduler.WriteBackOperation(d)
			if tt.expectedErr != nil {
				s.ErrorIs(err, tt.expectedErr)
				return
			}
			s.Require().NoError(err)
			s.Require().NotNil(done)
			s.Equal(tt.expectedName, op.Name)
			s.Equal(tt.expectedChar, op.Characteristic, "signal variant MUST follow the platform")
			s.Nil(op.Read)

			cmd, err := signal.Decode(op.Write)
			s.Require().NoError(err)
			s.Equal(tt.expectedAction, cmd.Action)
			switch tt.expectedAction {
			case signal.ActionWritePayload:
				s.Equal(own, cmd.Payload)
			case signal.ActionWritePayloadSharing:
				s.Equal(sharing, cmd.Payload)
			case signal.ActionWriteRSSI:
				s.Equal(int16(-50), cmd.Value)
			}
		})
	}
}

func (s *ConnectSchedulerTestSuite) TestWriteBackDispatch() {
	s.cfg.ConnectionQuota = 2
	s.build()

	s.live(s.peer("busy"))
	for _, addr := range []string{"a1", "a2"} {
		s.radio.WithPeripheral(addr, sensorPeer(s.cfg, s.cfg.AndroidSignalUUID, nil))
	}
	a1 := s.peer("a1")
	a1.SetOperatingSystem(device.OSAndroid)
	a1.SetRSSI(-70)
	a1.WroteRSSI()
	s.helper.Clock.Advance(time.Minute)

	a2 := s.peer("a2")
	a2.SetOperatingSystem(device.OSAndroid)
	a2.SetRSSI(-40)
	unknown := s.peer("u")
	unknown.SetRSSI(-30)

	candidates := []*device.Device{a1, a2, unknown}
	dispatched := s.scheduler.WriteBack(context.Background(), s.registry.All(), candidates)
	s.scheduler.Wait()

	s.Equal([]device.Identifier{"a2"}, ids(dispatched), "never-written peer MUST go first within capacity")
	s.Zero(s.radio.ConnectCalls("u"), "unclassified peers MUST NOT be written")
	s.Zero(s.radio.ConnectCalls("a1"))

	writes := s.radio.Conns()[0].Writes()
	s.Require().Len(writes, 1)
	s.Equal(testutils.EncodeSignal(s.T(), signal.WriteRSSI(-40)), writes[0].Data)
	s.Zero(a2.SinceLastWriteRSSI(), "successful write MUST be stamped")
	s.Equal(time.Minute, a1.SinceLastWriteRSSI())
}

func (s *ConnectSchedulerTestSuite) TestReadsAndWriteBackShareQuota() {
	s.cfg.ConnectionQuota = 2
	s.build()

	for _, addr := range []string{"r1", "r2", "w1", "w2"} {
		s.radio.WithPeripheral(addr, testutils.Peripheral().Hanging())
	}
	s.peer("r1")
	s.peer("r2")
	var writers []*device.Device
	for _, addr := range []string{"w1", "w2"} {
		w := s.peer(addr)
		w.SetOperatingSystem(device.OSAndroid)
		w.SetRSSI(-60)
		writers = append(writers, w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer s.scheduler.Wait()
	defer cancel()

	plan := s.scheduler.Schedule(ctx, s.registry.All())
	s.Equal([]device.Identifier{"r1", "r2"}, ids(plan.Dispatch))

	dispatched := s.scheduler.WriteBack(ctx, s.registry.All(), writers)
	s.Empty(dispatched, "write-back MUST NOT exceed the quota left by reads of the same pass")
	s.Empty(s.scheduler.Schedule(ctx, s.registry.All()).Dispatch, "in-flight attempts MUST hold their slots")

	s.Require().True(testutils.Eventually(func() bool { return s.radio.OpenConns() == 2 }, wait))
	s.Equal(2, s.scheduler.InFlight())
	s.Zero(s.radio.ConnectCalls("w1"))
	s.Zero(s.radio.ConnectCalls("w2"))

	cancel()
	s.scheduler.Wait()
	s.Zero(s.scheduler.InFlight())
	s.Zero(s.radio.OpenConns(), "cancelled attempts MUST release their handles")
}
