package device

import "fmt"

// Identifier uniquely names a peer as seen by the radio.
type Identifier string

// OperatingSystem is the inferred platform of a peer.
type OperatingSystem int

const (
	OSUnknown OperatingSystem = iota
	OSIOS
	OSAndroid
	// OSIgnore marks peers that should not be contacted until the ignore window elapses.
	OSIgnore
)

func (o OperatingSystem) String() string {
	switch o {
	case OSUnknown:
		return "unknown"
	case OSIOS:
		return "ios"
	case OSAndroid:
		return "android"
	case OSIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("os(%d)", int(o))
	}
}

// State is the connection state of a record.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Goal is the per-device intent: what the engine still needs from the peer.
type Goal int

const (
	GoalUnknown Goal = iota
	// GoalRSSI means the advertisement alone satisfies the device; it is never connected.
	GoalRSSI
	GoalPayloadSharing
)

func (g Goal) String() string {
	switch g {
	case GoalUnknown:
		return "unknown"
	case GoalRSSI:
		return "rssi"
	case GoalPayloadSharing:
		return "payloadSharing"
	default:
		return fmt.Sprintf("goal(%d)", int(g))
	}
}

// Attribute names the field changed in an update notification.
type Attribute int

const (
	AttributePeripheral Attribute = iota
	AttributeDiscovered
	AttributeRSSI
	AttributePayload
	AttributePayloadSharing
	AttributeOperatingSystem
	AttributeState
	AttributeGoal
	AttributeConnectRequested
	AttributeWriteBack
)

func (a Attribute) String() string {
	switch a {
	case AttributePeripheral:
		return "peripheral"
	case AttributeDiscovered:
		return "discovered"
	case AttributeRSSI:
		return "rssi"
	case AttributePayload:
		return "payload"
	case AttributePayloadSharing:
		return "payloadSharing"
	case AttributeOperatingSystem:
		return "operatingSystem"
	case AttributeState:
		return "state"
	case AttributeGoal:
		return "goal"
	case AttributeConnectRequested:
		return "connectRequested"
	case AttributeWriteBack:
		return "writeBack"
	default:
		return fmt.Sprintf("attribute(%d)", int(a))
	}
}
