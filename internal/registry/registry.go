// Package registry owns the set of known peer records and applies the
// deduplication and expiry policies to it.
package registry

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/device"
)

// Delegate observes registry changes. Callbacks run on the goroutine that made
// the change and must not block.
type Delegate interface {
	DidCreate(d *device.Device)
	DidUpdate(d *device.Device, attr device.Attribute)
	DidDelete(d *device.Device)
}

// Registry holds exactly one record per identifier. Lookups are lock-free;
// creations and deletions are serialized by a structural lock.
type Registry struct {
	devices *hashmap.Map[device.Identifier, *device.Device]
	clock   clock.Clock
	expiry  time.Duration
	logger  *logrus.Logger

	mu sync.Mutex // structural changes

	delegatesMu sync.RWMutex
	delegates   []Delegate
}

// New creates an empty registry. Records idle for longer than expiry are removed by RemoveExpired.
func New(clk clock.Clock, expiry time.Duration, logger *logrus.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: hashmap.New[device.Identifier, *device.Device](),
		clock:   clk,
		expiry:  expiry,
		logger:  logger,
	}
}

func (r *Registry) AddDelegate(d Delegate) {
	r.delegatesMu.Lock()
	defer r.delegatesMu.Unlock()
	r.delegates = append(r.delegates, d)
}

func (r *Registry) each(fn func(Delegate)) {
	r.delegatesMu.RLock()
	delegates := append([]Delegate(nil), r.delegates...)
	r.delegatesMu.RUnlock()
	for _, d := range delegates {
		fn(d)
	}
}

// Upsert returns the record for id, creating it on first sight.
func (r *Registry) Upsert(id device.Identifier) *device.Device {
	if d, ok := r.devices.Get(id); ok {
		return d
	}

	// GetOrInsert can leave entries unreachable from Range, so creation takes
	// the structural lock and inserts with Set.
	r.mu.Lock()
	if d, ok := r.devices.Get(id); ok {
		r.mu.Unlock()
		return d
	}
	d := device.New(id, r.clock, r.didUpdate)
	r.devices.Set(id, d)
	r.mu.Unlock()

	r.logger.WithField("device", id).Debug("Device created")
	r.each(func(del Delegate) { del.DidCreate(d) })
	return d
}

// didUpdate forwards record updates, dropping those from records already removed.
func (r *Registry) didUpdate(d *device.Device, attr device.Attribute) {
	if current, ok := r.devices.Get(d.ID()); !ok || current != d {
		return
	}
	r.each(func(del Delegate) { del.DidUpdate(d, attr) })
}

func (r *Registry) Get(id device.Identifier) (*device.Device, bool) {
	return r.devices.Get(id)
}

func (r *Registry) Len() int {
	return r.devices.Len()
}

// All returns a snapshot of every record, ordered by identifier.
func (r *Registry) All() []*device.Device {
	out := make([]*device.Device, 0, r.devices.Len())
	r.devices.Range(func(_ device.Identifier, d *device.Device) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Delete releases any connection the record owns and removes it.
func (r *Registry) Delete(id device.Identifier) bool {
	r.mu.Lock()
	d, ok := r.removeLocked(id)
	r.mu.Unlock()

	if ok {
		r.didDelete(d)
	}
	return ok
}

func (r *Registry) removeLocked(id device.Identifier) (*device.Device, bool) {
	d, ok := r.devices.Get(id)
	if !ok {
		return nil, false
	}
	if d.HasHandle() {
		if err := d.Release(nil); err != nil {
			r.logger.WithFields(logrus.Fields{
				"device": id,
				"error":  err,
			}).Warn("Teardown failed while removing device")
		}
	}
	r.devices.Del(id)
	return d, true
}

func (r *Registry) didDelete(d *device.Device) {
	r.each(func(del Delegate) { del.DidDelete(d) })
}

// Deduplicate removes records that carry the same payload as another record.
// The survivor is the one holding a live connection; otherwise the one whose
// payload was updated most recently. Returns the removed records.
func (r *Registry) Deduplicate() []*device.Device {
	r.mu.Lock()

	byPayload := orderedmap.New[string, *device.Device]()
	var losers []*device.Device
	for _, d := range r.All() {
		payload := d.Payload()
		if payload == nil {
			continue
		}
		key := string(payload)
		existing, present := byPayload.Get(key)
		if !present {
			byPayload.Set(key, d)
			continue
		}
		keep, drop := survivor(existing, d)
		byPayload.Set(key, keep)
		losers = append(losers, drop)
	}

	removed := make([]*device.Device, 0, len(losers))
	for _, d := range losers {
		if _, ok := r.removeLocked(d.ID()); ok {
			removed = append(removed, d)
		}
	}
	r.mu.Unlock()

	for _, d := range removed {
		r.logger.WithFields(logrus.Fields{
			"device":  d.ID(),
			"payload": shortHex(d.Payload()),
		}).Debug("Duplicate device removed")
		r.didDelete(d)
	}
	return removed
}

func survivor(a, b *device.Device) (keep, drop *device.Device) {
	aLive, bLive := a.HasHandle(), b.HasHandle()
	switch {
	case aLive && !bLive:
		return a, b
	case bLive && !aLive:
		return b, a
	case b.PayloadUpdatedAt().After(a.PayloadUpdatedAt()):
		return b, a
	default:
		return a, b
	}
}

// RemoveExpired disconnects and removes every record not updated within the
// expiry age. Returns the removed records.
func (r *Registry) RemoveExpired() []*device.Device {
	r.mu.Lock()
	var removed []*device.Device
	for _, d := range r.All() {
		if d.SinceLastUpdate() <= r.expiry {
			continue
		}
		if _, ok := r.removeLocked(d.ID()); ok {
			removed = append(removed, d)
		}
	}
	r.mu.Unlock()

	for _, d := range removed {
		r.logger.WithField("device", d.ID()).Debug("Expired device removed")
		r.didDelete(d)
	}
	return removed
}

func shortHex(b []byte) string {
	if len(b) > 8 {
		return hex.EncodeToString(b[:8]) + ".."
	}
	return hex.EncodeToString(b)
}
