// Package sensor wires the scan loop, the registry and the connection
// scheduler into one proximity sensor and reports what it observes.
package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/connect"
	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/internal/registry"
	"github.com/srg/proxim/internal/scan"
	"github.com/srg/proxim/pkg/config"
)

// Delegate receives sensor observations. Callbacks run on engine goroutines
// and must not block.
type Delegate interface {
	DidDetect(id device.Identifier)
	DidRead(payload []byte, id device.Identifier)
	DidMeasure(rssi int, id device.Identifier)
	DidShare(payloads [][]byte, id device.Identifier)
	DidUpdateState(state radio.PowerState)
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Clock    clock.Clock
	Logger   *logrus.Logger
	Supplier connect.PayloadSupplier
	// Payload is this node's own payload for the default supplier.
	Payload []byte
}

// Summary describes one processing pass.
type Summary struct {
	Results    int           `json:"results"`
	Dropped    uint64        `json:"dropped"`
	Devices    int           `json:"devices"`
	Touched    int           `json:"touched"`
	Expired    int           `json:"expired"`
	Duplicates int           `json:"duplicates"`
	Evicted    int           `json:"evicted"`
	Dispatched int           `json:"dispatched"`
	WriteBacks int           `json:"write_backs"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Engine is the proximity sensor.
type Engine struct {
	cfg    config.Sensor
	radio  radio.Radio
	clock  clock.Clock
	logger *logrus.Logger

	registry   *registry.Registry
	intake     *scan.Intake
	classifier *scan.Classifier
	scanner    *scan.Scheduler
	connector  *connect.Scheduler

	delegatesMu sync.RWMutex
	delegates   []Delegate

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	passes      int
	lastSummary Summary
}

// New builds an engine over r. It does not touch the radio until Start.
func New(r radio.Radio, cfg config.Sensor, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	e := &Engine{
		cfg:    cfg,
		radio:  r,
		clock:  clk,
		logger: logger,
		ctx:    context.Background(),
	}

	e.registry = registry.New(clk, cfg.DeviceExpiry, logger)
	e.registry.AddDelegate(e)
	e.intake = scan.NewIntake(cfg.IntakeCapacity)
	e.classifier = scan.NewClassifier(e.registry, cfg, logger)

	supplier := opts.Supplier
	if supplier == nil {
		supplier = NewFixedLengthSupplier(opts.Payload, e.registry, clk, cfg.PayloadSharingInterval)
	}
	machine := connect.NewMachine(r, cfg, clk, logger)
	e.connector = connect.NewScheduler(machine, supplier, cfg, logger)

	filter := radio.ScanFilter{
		Services:        []string{cfg.ServiceUUID},
		ManufacturerIDs: []uint16{cfg.ManufacturerID},
	}
	e.scanner = scan.NewScheduler(r, filter, e.intake, e.Process, cfg, clk, logger)
	return e
}

// Registry exposes the live peer records.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

func (e *Engine) AddDelegate(d Delegate) {
	e.delegatesMu.Lock()
	defer e.delegatesMu.Unlock()
	e.delegates = append(e.delegates, d)
}

func (e *Engine) each(fn func(Delegate)) {
	e.delegatesMu.RLock()
	delegates := append([]Delegate(nil), e.delegates...)
	e.delegatesMu.RUnlock()
	for _, d := range delegates {
		fn(d)
	}
}

// Start follows the radio power state and runs the duty cycle while powered on.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	e.radio.OnStateChange(e.didUpdateState)
	e.logger.WithFields(logrus.Fields{
		"scan_on":  e.cfg.ScanOn,
		"scan_off": e.cfg.ScanOff,
		"quota":    e.cfg.ConnectionQuota,
	}).Info("Sensor started")
	e.scanner.Start(runCtx)
}

// Stop halts scanning, cancels in-flight attempts and releases every handle.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	e.scanner.Close()
	if cancel != nil {
		cancel()
	}
	e.connector.Wait()

	for _, d := range e.registry.All() {
		if d.HasHandle() {
			if err := d.Release(nil); err != nil {
				e.logger.WithError(err).WithField("device", d.String()).Warn("Teardown on stop failed")
			}
		}
	}
	e.logger.Info("Sensor stopped")
}

func (e *Engine) didUpdateState(state radio.PowerState) {
	e.each(func(d Delegate) { d.DidUpdateState(state) })
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Process is the scan-off boundary pass: classify the drained results, apply
// the expiry and deduplication policies, then schedule connections.
func (e *Engine) Process() {
	start := e.clock.Now()
	ctx := e.runContext()

	advs := e.intake.Drain()
	touched := e.classifier.Process(advs)
	expired := e.registry.RemoveExpired()
	duplicates := e.registry.Deduplicate()

	all := e.registry.All()
	plan := e.connector.Schedule(ctx, all)

	writeBacks := 0
	if e.cfg.WriteBack {
		scheduled := make(map[device.Identifier]bool, len(plan.Dispatch))
		for _, d := range plan.Dispatch {
			scheduled[d.ID()] = true
		}
		var candidates []*device.Device
		for _, d := range touched {
			if !scheduled[d.ID()] {
				candidates = append(candidates, d)
			}
		}
		writeBacks = len(e.connector.WriteBack(ctx, e.registry.All(), candidates))
	}

	summary := Summary{
		Results:    len(advs),
		Dropped:    e.intake.Dropped(),
		Devices:    len(all),
		Touched:    len(touched),
		Expired:    len(expired),
		Duplicates: len(duplicates),
		Evicted:    len(plan.Evict),
		Dispatched: len(plan.Dispatch),
		WriteBacks: writeBacks,
		Elapsed:    e.clock.Now().Sub(start),
	}

	e.mu.Lock()
	e.passes++
	e.lastSummary = summary
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"results":    summary.Results,
		"dropped":    summary.Dropped,
		"devices":    summary.Devices,
		"expired":    summary.Expired,
		"duplicates": summary.Duplicates,
		"dispatched": summary.Dispatched,
		"write_back": summary.WriteBacks,
		"elapsed":    summary.Elapsed,
	}).Info("Processed scan results")
}

// LastSummary returns the most recent pass and how many passes ran.
func (e *Engine) LastSummary() (Summary, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary, e.passes
}

// ----------------------------
// registry.Delegate
// ----------------------------

func (e *Engine) DidCreate(d *device.Device) {
	e.logger.WithField("device", d.ID()).Debug("Device created")
	e.each(func(del Delegate) { del.DidDetect(d.ID()) })
}

func (e *Engine) DidUpdate(d *device.Device, attr device.Attribute) {
	switch attr {
	case device.AttributeRSSI:
		if rssi, ok := d.RSSI(); ok {
			e.each(func(del Delegate) { del.DidMeasure(rssi, d.ID()) })
		}
	case device.AttributePayload:
		if payload := d.Payload(); payload != nil {
			e.each(func(del Delegate) { del.DidRead(payload, d.ID()) })
		}
	case device.AttributePayloadSharing:
		if payloads := d.PayloadSharing(); len(payloads) > 0 {
			e.each(func(del Delegate) { del.DidShare(payloads, d.ID()) })
		}
	}
}

func (e *Engine) DidDelete(d *device.Device) {
	e.logger.WithField("device", d.ID()).Debug("Device deleted")
}
