package connect

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/signal"
)

var (
	ErrWriteBackDenied = errors.New("write-back denied")
	ErrNothingToWrite  = errors.New("no signal write due")
)

// WriteBackOperation picks the one signal write due for d, by priority:
// payload, then payload sharing, then RSSI. Successful writes are stamped on
// the record so the next pass moves down the list.
func (s *Scheduler) WriteBackOperation(d *device.Device) (Operation, func(ok bool), error) {
	var characteristic string
	switch os := d.OperatingSystem(); os {
	case device.OSIOS:
		characteristic = s.cfg.IOSSignalUUID
	case device.OSAndroid:
		characteristic = s.cfg.AndroidSignalUUID
	default:
		return Operation{}, nil, fmt.Errorf("%w: %s operating system", ErrWriteBackDenied, os)
	}

	var own, sharing []byte
	if s.supplier != nil {
		own = s.supplier.Payload()
		sharing = s.supplier.PayloadSharing(d)
	}

	switch {
	case d.Payload() != nil && len(own) > 0 && d.SinceLastWritePayload() > s.cfg.PayloadStaleness:
		data, err := signal.Encode(signal.WritePayload(own))
		if err != nil {
			return Operation{}, nil, err
		}
		return WriteOperation("writePayload", characteristic, data), stampOn(d.WrotePayload), nil

	case len(sharing) > 0 && d.SinceLastWritePayloadSharing() > s.cfg.PayloadSharingInterval:
		data, err := signal.Encode(signal.WritePayloadSharing(sharing))
		if err != nil {
			return Operation{}, nil, err
		}
		return WriteOperation("writePayloadSharing", characteristic, data), stampOn(d.WrotePayloadSharing), nil
	}

	if rssi, ok := d.RSSI(); ok {
		data, err := signal.Encode(signal.WriteRSSI(rssi))
		if err != nil {
			return Operation{}, nil, err
		}
		return WriteOperation("writeRSSI", characteristic, data), stampOn(d.WroteRSSI), nil
	}
	return Operation{}, nil, ErrNothingToWrite
}

func stampOn(stamp func()) func(ok bool) {
	return func(ok bool) {
		if ok {
			stamp()
		}
	}
}

// WriteBack writes signal commands to the classified peers among candidates,
// least recently written first, bounded by the free connection capacity
// computed over all and the attempts still in flight. It returns the peers an attempt was dispatched to.
func (s *Scheduler) WriteBack(ctx context.Context, all, candidates []*device.Device) []*device.Device {
	busy, _, orphans := s.occupancy(all)
	capacity := s.cfg.ConnectionQuota - len(busy) - orphans

	_, idle, _ := s.occupancy(candidates)
	var pending []*device.Device
	for _, d := range idle {
		switch d.OperatingSystem() {
		case device.OSIOS, device.OSAndroid:
			pending = append(pending, d)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		wi, wj := pending[i].SinceLastWriteBack(), pending[j].SinceLastWriteBack()
		if wi != wj {
			return wi > wj
		}
		return pending[i].ID() < pending[j].ID()
	})

	s.logger.WithFields(logrus.Fields{
		"capacity": capacity,
		"pending":  len(pending),
	}).Debug("Write-back schedule")

	var dispatched []*device.Device
	for _, d := range pending {
		if len(dispatched) >= capacity {
			break
		}
		op, done, err := s.WriteBackOperation(d)
		if err != nil {
			s.logger.WithError(err).WithField("device", d.String()).Debug("Write-back skipped")
			continue
		}
		s.dispatch(ctx, d, op, done)
		dispatched = append(dispatched, d)
	}
	return dispatched
}
