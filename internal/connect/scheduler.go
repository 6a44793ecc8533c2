// Package connect decides which peers to contact and runs the bounded
// connect, discover, read-or-write, disconnect exchange with each of them.
package connect

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/groutine"
	"github.com/srg/proxim/pkg/config"
)

// PayloadSupplier provides this node's payloads for write-back and splits
// payload-sharing blobs read from peers into individual payloads.
type PayloadSupplier interface {
	Payload() []byte
	PayloadSharing(peer *device.Device) []byte
	Split(data []byte) [][]byte
}

// Plan is the outcome of one scheduling pass over a registry snapshot.
type Plan struct {
	Connected []*device.Device
	Pending   []*device.Device
	Evict     []*device.Device
	Dispatch  []*device.Device
	Capacity  int
}

// Scheduler keeps the number of live connections within the quota and
// dispatches attempts to the peers that have waited longest.
type Scheduler struct {
	machine  *Machine
	supplier PayloadSupplier
	cfg      config.Sensor
	logger   *logrus.Logger

	// inFlight holds peers dispatched and not yet finished. A worker may not
	// have begun connecting, so the record alone does not show it.
	mu       sync.Mutex
	inFlight map[device.Identifier]bool

	wg sync.WaitGroup
}

func NewScheduler(machine *Machine, supplier PayloadSupplier, cfg config.Sensor, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		machine:  machine,
		supplier: supplier,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[device.Identifier]bool),
	}
}

// occupancy splits devices into busy and idle ones and counts in-flight
// attempts for peers missing from devices.
func (s *Scheduler) occupancy(devices []*device.Device) (busy, idle []*device.Device, orphans int) {
	s.mu.Lock()
	inFlight := make(map[device.Identifier]bool, len(s.inFlight))
	for id := range s.inFlight {
		inFlight[id] = true
	}
	s.mu.Unlock()

	for _, d := range devices {
		if d.Peripheral() == "" {
			continue
		}
		if d.State() != device.StateDisconnected || inFlight[d.ID()] {
			busy = append(busy, d)
			delete(inFlight, d.ID())
		} else {
			idle = append(idle, d)
		}
	}
	return busy, idle, len(inFlight)
}

// InFlight returns the number of dispatched attempts still running.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Plan computes the pass without side effects.
func (s *Scheduler) Plan(devices []*device.Device) Plan {
	var p Plan
	connected, disconnected, orphans := s.occupancy(devices)
	p.Connected = connected

	for _, d := range disconnected {
		if d.OperatingSystem() == device.OSIgnore {
			continue
		}
		if d.Goal() == device.GoalRSSI {
			// scanning already yields RSSI
			continue
		}
		p.Pending = append(p.Pending, d)
	}
	sortByLongestWait(p.Pending)

	p.Capacity = s.cfg.ConnectionQuota - len(p.Connected) - orphans
	if s.cfg.Eviction.Enabled && len(p.Pending) > 0 && p.Capacity <= 0 {
		if victim := s.evictionCandidate(p.Connected); victim != nil {
			p.Evict = append(p.Evict, victim)
			p.Capacity++
		}
	}

	for _, d := range p.Pending {
		if len(p.Dispatch) >= p.Capacity {
			break
		}
		p.Dispatch = append(p.Dispatch, d)
	}
	return p
}

// sortByLongestWait orders never-requested peers first, then by time since
// the last connect request, then by identifier.
func sortByLongestWait(devices []*device.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		wi, wj := devices[i].SinceLastConnectRequest(), devices[j].SinceLastConnectRequest()
		if wi != wj {
			return wi > wj
		}
		return devices[i].ID() < devices[j].ID()
	})
}

func (s *Scheduler) evictionCandidate(connected []*device.Device) *device.Device {
	var victim *device.Device
	var victimIdle time.Duration
	for _, d := range connected {
		if !d.HasHandle() {
			continue
		}
		idle := d.ProtocolIdle()
		if idle <= s.cfg.Eviction.Idle || d.SinceLastConnected() <= s.cfg.Eviction.Age {
			continue
		}
		if victim == nil || idle > victimIdle || (idle == victimIdle && d.ID() < victim.ID()) {
			victim, victimIdle = d, idle
		}
	}
	return victim
}

// Schedule runs one pass: evict if planned, then dispatch attempts on worker
// goroutines. It does not wait for the attempts.
func (s *Scheduler) Schedule(ctx context.Context, devices []*device.Device) Plan {
	p := s.Plan(devices)

	s.logger.WithFields(logrus.Fields{
		"connected": len(p.Connected),
		"pending":   len(p.Pending),
		"capacity":  p.Capacity,
		"dispatch":  len(p.Dispatch),
	}).Debug("Connection schedule")

	for _, d := range p.Evict {
		s.logger.WithFields(logrus.Fields{
			"device":   d.String(),
			"idle":     d.ProtocolIdle(),
			"liveTime": d.SinceLastConnected(),
		}).Info("Evicting idle connection")
		if err := d.Release(nil); err != nil {
			s.logger.WithError(err).WithField("device", d.String()).Warn("Eviction teardown failed")
		}
	}

	for _, d := range p.Dispatch {
		s.dispatch(ctx, d, s.readOperation(d))
	}
	return p
}

func (s *Scheduler) readOperation(d *device.Device) Operation {
	if d.Goal() == device.GoalPayloadSharing {
		return ReadOperation("readPayloadSharing", s.cfg.PayloadSharingUUID, func(value []byte) {
			d.SetPayloadSharing(s.split(value))
		})
	}
	return ReadOperation("readPayload", s.cfg.PayloadUUID, d.SetPayload)
}

func (s *Scheduler) split(value []byte) [][]byte {
	if s.supplier == nil {
		return [][]byte{value}
	}
	return s.supplier.Split(value)
}

// dispatch runs op against d on its own worker goroutine. done, if set,
// receives the attempt's outcome.
func (s *Scheduler) dispatch(ctx context.Context, d *device.Device, op Operation, done ...func(ok bool)) {
	s.mu.Lock()
	s.inFlight[d.ID()] = true
	s.mu.Unlock()

	s.wg.Add(1)
	groutine.GoSafe(ctx, "connect-"+string(d.ID()), s.logger, func(ctx context.Context) {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, d.ID())
			s.mu.Unlock()
		}()
		ok := s.machine.Run(ctx, d, op)
		for _, fn := range done {
			fn(ok)
		}
	})
}

// Wait blocks until every dispatched attempt has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
