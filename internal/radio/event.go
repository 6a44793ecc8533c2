package radio

import "fmt"

// EventKind tags the callback an Event stands for.
type EventKind int

const (
	EventConnectionStateChanged EventKind = iota
	EventServicesDiscovered
	EventCharacteristicRead
	EventCharacteristicWritten
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionStateChanged:
		return "connectionStateChanged"
	case EventServicesDiscovered:
		return "servicesDiscovered"
	case EventCharacteristicRead:
		return "characteristicRead"
	case EventCharacteristicWritten:
		return "characteristicWritten"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// LinkState is the link-layer state reported by EventConnectionStateChanged.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("link(%d)", int(s))
	}
}

// Event is a radio callback translated into a value.
// Err carries a non-success platform status.
type Event struct {
	Kind           EventKind
	Link           LinkState
	Services       []Service
	Characteristic string
	Value          []byte
	Err            error
}

// Handler consumes connection events. It may be invoked from any goroutine.
type Handler func(Event)

func (e Event) String() string {
	switch e.Kind {
	case EventConnectionStateChanged:
		return fmt.Sprintf("%s(%s,err=%v)", e.Kind, e.Link, e.Err)
	case EventServicesDiscovered:
		return fmt.Sprintf("%s(services=%d,err=%v)", e.Kind, len(e.Services), e.Err)
	default:
		return fmt.Sprintf("%s(char=%s,bytes=%d,err=%v)", e.Kind, e.Characteristic, len(e.Value), e.Err)
	}
}
