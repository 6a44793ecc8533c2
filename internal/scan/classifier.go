package scan

import (
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/internal/registry"
	"github.com/srg/proxim/pkg/config"
)

// Classifier turns drained advertisements into registry updates and
// operating-system hypotheses.
type Classifier struct {
	registry *registry.Registry
	cfg      config.Sensor
	logger   *logrus.Logger
}

func NewClassifier(reg *registry.Registry, cfg config.Sensor, logger *logrus.Logger) *Classifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Classifier{registry: reg, cfg: cfg, logger: logger}
}

// Process classifies a batch and returns the distinct records it touched, in
// first-seen order.
func (c *Classifier) Process(advs []radio.Advertisement) []*device.Device {
	touched := orderedmap.New[device.Identifier, *device.Device]()
	for _, adv := range advs {
		d := c.Classify(adv)
		if _, present := touched.Get(d.ID()); !present {
			touched.Set(d.ID(), d)
		}
	}

	out := make([]*device.Device, 0, touched.Len())
	for pair := touched.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Classify applies one advertisement to its record:
//
//	service + vendor  -> ios (foreground)
//	service only      -> android
//	vendor only       -> ios, only while the record is unknown (background iOS guess)
//	neither           -> ignore, logged as a fault since the scan filter should exclude it
func (c *Classifier) Classify(adv radio.Advertisement) *device.Device {
	d := c.registry.Upsert(device.Identifier(adv.Addr()))
	d.SetPeripheral(adv.Addr())
	d.Discovered()
	d.SetRSSI(adv.RSSI())

	// ignore is a hypothesis that ages out
	if d.OperatingSystem() == device.OSIgnore && d.SinceLastOperatingSystemUpdate() > c.cfg.IgnoreReintroduction {
		c.logger.WithField("device", d.ID()).Debug("Re-introducing ignored device")
		d.SetOperatingSystem(device.OSUnknown)
	}

	hasService := radio.HasService(adv, c.cfg.ServiceUUID)
	companyID, ok := radio.CompanyID(adv.ManufacturerData())
	isVendor := ok && companyID == c.cfg.ManufacturerID

	switch {
	case hasService && isVendor:
		d.SetOperatingSystem(device.OSIOS)
	case hasService:
		d.SetOperatingSystem(device.OSAndroid)
	case isVendor:
		if d.OperatingSystem() == device.OSUnknown {
			d.SetOperatingSystem(device.OSIOS)
		}
	default:
		c.logger.WithFields(logrus.Fields{
			"device": d.ID(),
			"rssi":   adv.RSSI(),
		}).Error("Invalid advertisement without sensor service or reference manufacturer")
		d.SetOperatingSystem(device.OSIgnore)
	}
	return d
}
