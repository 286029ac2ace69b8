package pdu

import (
	"fmt"
	"strings"
	"time"
)

type SessionID uint64

func (id SessionID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// State is the procedure a session is currently executing.
type State int

const (
	StateNone State = iota
	StateEstablishing
	StateNetworkTriggeredServiceRequest
	StateQosFlowModification
	StateReleaseOrErrorIndication
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateEstablishing:
		return "establishing"
	case StateNetworkTriggeredServiceRequest:
		return "network_triggered_service_request"
	case StateQosFlowModification:
		return "qos_flow_modification"
	case StateReleaseOrErrorIndication:
		return "release_or_error_indication"
	case StateReleased:
		return "released"
	default:
		return "none"
	}
}

// Valid reports whether s is one of the defined procedure states.
func (s State) Valid() bool {
	return s >= StateEstablishing && s <= StateReleased
}

// Class selects one of the two pending-transaction slots.
type Class int

const (
	ClassModify Class = iota + 1
	ClassRelease
)

func (c Class) String() string {
	switch c {
	case ClassModify:
		return "modify"
	case ClassRelease:
		return "release"
	default:
		return "unknown"
	}
}

func (c Class) Valid() bool {
	return c == ClassModify || c == ClassRelease
}

// StreamID addresses one waiting caller. Zero means no pending transaction.
type StreamID uint32

const MinStreamID StreamID = 1

// InRange reports whether id falls in [MinStreamID, maxID].
func (id StreamID) InRange(maxID StreamID) bool {
	return id >= MinStreamID && id <= maxID
}

// Session is one active PDU session record.
type Session struct {
	ID              SessionID
	OwnerID         string
	PSI             uint8
	State           State
	PendingModify   StreamID
	PendingRelease  StreamID
	CallbackLocator string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s Session) Pending(class Class) StreamID {
	switch class {
	case ClassModify:
		return s.PendingModify
	case ClassRelease:
		return s.PendingRelease
	default:
		return 0
	}
}

func (s *Session) SetPending(class Class, id StreamID) {
	switch class {
	case ClassModify:
		s.PendingModify = id
	case ClassRelease:
		s.PendingRelease = id
	}
}

// Idle reports whether both pending slots are clear.
func (s Session) Idle() bool {
	return s.PendingModify == 0 && s.PendingRelease == 0
}

// Label is the owner/psi pair used in log lines.
func (s Session) Label() string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(s.OwnerID), s.PSI)
}
