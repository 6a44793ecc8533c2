package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/proxim/internal/clock"
	"github.com/srg/proxim/internal/radio"
	"github.com/srg/proxim/internal/signal"
	"github.com/stretchr/testify/require"
)

// Epoch is the fixed start instant of fake clocks in tests.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Clock  *clock.Fake
}

// NewTestHelper creates a test helper with a debug logger and a fake clock at Epoch.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Clock:  clock.NewFake(Epoch),
	}
}

// EncodeSignal encodes c and fails the test on error.
func EncodeSignal(t testing.TB, c signal.Command) []byte {
	t.Helper()
	data, err := signal.Encode(c)
	require.NoError(t, err)
	return data
}

// Advert is shorthand for a connectable advertisement from addr.
func Advert(addr string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithAddress(addr).WithRSSI(rssi)
}

// Peripheral starts a scripted peripheral.
func Peripheral() *PeripheralBuilder {
	return NewPeripheralBuilder()
}

// PoweredOnRadio returns a fake radio that is already powered on.
func PoweredOnRadio() *FakeRadio {
	return NewFakeRadio(radio.PoweredOn)
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
