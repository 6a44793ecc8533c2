package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/groutine"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/pkg/config"
)

var (
	ErrAlreadyScanning = errors.New("scan cycle already running")
	ErrNotStarted      = errors.New("scan scheduler not started")
)

// Scheduler duty-cycles the radio: scan for ScanOn, idle for ScanOff, repeat
// while powered on. Scan start, scan stop and result processing run on one
// operation goroutine so they never interleave.
type Scheduler struct {
	radio   radio.Radio
	filter  radio.ScanFilter
	intake  *Intake
	process func()
	cfg     config.Sensor
	clock   clock.Clock
	logger  *logrus.Logger

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	mu         sync.Mutex
	started    bool
	closed     bool
	scanning   bool // single-flight flag
	generation uint64
	timer      clock.Timer
	cycles     int
}

// NewScheduler wires the duty cycle. process runs at every scan-off boundary
// on the operation goroutine.
func NewScheduler(r radio.Radio, filter radio.ScanFilter, intake *Intake, process func(), cfg config.Sensor, clk clock.Clock, logger *logrus.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if process == nil {
		process = func() {}
	}
	return &Scheduler{
		radio:   r,
		filter:  filter,
		intake:  intake,
		process: process,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		ops:     make(chan func(), 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the operation goroutine and follows radio power state:
// the cycle begins when the radio is powered on and halts otherwise.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	groutine.Go(ctx, "scan-scheduler", func(ctx context.Context) {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				if s.halt() {
					s.stopRadio()
				}
				s.shutdown()
				return
			case <-s.quit:
				return
			case op := <-s.ops:
				op()
			}
		}
	})

	s.radio.OnStateChange(s.onPowerState)
	s.onPowerState(s.radio.State())
}

// Close halts the cycle and stops the operation goroutine.
func (s *Scheduler) Close() {
	wasScanning := s.halt()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.shutdown()
	if started {
		<-s.done
	}
	if wasScanning {
		s.stopRadio()
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
}

func (s *Scheduler) onPowerState(state radio.PowerState) {
	s.logger.WithField("state", state).Info("Bluetooth power state changed")
	if state != radio.PoweredOn {
		s.Halt()
		return
	}
	if err := s.Begin(); err != nil && !errors.Is(err, ErrAlreadyScanning) {
		s.logger.WithError(err).Error("Failed to start scan cycle")
	}
}

// Begin starts the duty cycle. Overlapping requests are rejected with ErrAlreadyScanning.
func (s *Scheduler) Begin() error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.scanning {
		s.mu.Unlock()
		return ErrAlreadyScanning
	}
	s.scanning = true
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.logger.Debug("Scan cycle started")
	s.enqueue(func() { s.scanOn(gen) })
	return nil
}

// Halt clears the single-flight flag, cancels the pending phase timer and
// stops the radio scan. In-flight connection attempts are not affected.
func (s *Scheduler) Halt() {
	if s.halt() {
		s.logger.Debug("Scan cycle halted")
		s.enqueue(s.stopRadio)
	}
}

func (s *Scheduler) halt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasScanning := s.scanning
	s.scanning = false
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return wasScanning
}

// Scanning reports whether the duty cycle is active.
func (s *Scheduler) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Cycles is the number of completed scan-on phases.
func (s *Scheduler) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Scheduler) enqueue(op func()) {
	select {
	case s.ops <- op:
	case <-s.quit:
	}
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning && s.generation == gen
}

// arm schedules next on the operation goroutine after d, unless the cycle moved on.
func (s *Scheduler) arm(gen uint64, d time.Duration, next func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanning || s.generation != gen {
		return
	}
	s.timer = s.clock.AfterFunc(d, func() { s.enqueue(next) })
}

func (s *Scheduler) scanOn(gen uint64) {
	if !s.current(gen) {
		return
	}
	if err := s.radio.StartScan(s.filter, s.intake.Push); err != nil {
		// transient: the next cycle retries
		s.logger.WithError(err).Error("Start scan failed")
	} else {
		s.logger.WithField("duration", s.cfg.ScanOn).Debug("Scan on")
	}
	s.arm(gen, s.cfg.ScanOn, func() { s.scanOff(gen) })
}

func (s *Scheduler) scanOff(gen uint64) {
	if !s.current(gen) {
		return
	}
	s.stopRadio()

	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()

	s.runProcess()
	s.logger.WithField("duration", s.cfg.ScanOff).Debug("Scan off")
	s.arm(gen, s.cfg.ScanOff, func() { s.scanOn(gen) })
}

func (s *Scheduler) stopRadio() {
	if err := s.radio.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Stop scan failed")
	}
}

func (s *Scheduler) runProcess() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", fmt.Sprint(r)).Error("Processing scan results failed")
		}
	}()
	s.process()
}
