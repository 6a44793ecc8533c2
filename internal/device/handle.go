package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/proxim/internal/radio"
)

// Handle owns one native connection. It is created only by Device.BeginConnect
// and its resource is released only by Device.Release.
type Handle struct {
	conn     radio.Conn
	openedAt time.Time

	once       sync.Once
	releaseErr error
}

func newHandle(conn radio.Conn, openedAt time.Time) *Handle {
	return &Handle{conn: conn, openedAt: openedAt}
}

// Conn returns the native connection.
func (h *Handle) Conn() radio.Conn {
	return h.conn
}

// OpenedAt is when the handle was acquired.
func (h *Handle) OpenedAt() time.Time {
	return h.openedAt
}

// release disconnects and closes the native connection exactly once.
// Teardown errors are collected, never short-circuited, so Close always runs.
func (h *Handle) release() error {
	h.once.Do(func() {
		if h.conn == nil {
			return
		}
		var errs []error
		if err := safeCall(h.conn.Disconnect); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		if err := safeCall(h.conn.Close); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		h.releaseErr = errors.Join(errs...)
	})
	return h.releaseErr
}

// safeCall converts a panicking platform call into an error so cleanup always completes.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
