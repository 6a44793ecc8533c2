package main

import (
	"errors"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/signal"
)

// FormatUserError turns known failures into a message with a hint.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable; enable it and try again"
	case device.IsConnectionState(err, device.NotConnected):
		return "device is not connected: " + err.Error()
	case errors.As(err, &notFound):
		return notFound.Error() + "; check the configured UUIDs"
	case errors.Is(err, signal.ErrShortBuffer), errors.Is(err, signal.ErrTruncated), errors.Is(err, signal.ErrUnknownAction):
		return "malformed signal data: " + err.Error()
	default:
		return err.Error()
	}
}
