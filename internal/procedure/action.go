package procedure

import (
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/xact"
)

type Kind int

const (
	KindNoOp Kind = iota
	// KindAck acknowledges an inbound notification with no content.
	KindAck
	// KindSendFollowUp issues a new N1N2 transfer to the peer.
	KindSendFollowUp
	// KindSendReply forwards a completion to a waiting caller.
	KindSendReply
	// KindSendError reports a failure, to Stream when one is attached.
	KindSendError
	// KindRecordPending records a waiting caller against a session slot.
	KindRecordPending
	// KindAbort stops processing for an unimplemented cause.
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindSendFollowUp:
		return "send_follow_up"
	case KindSendReply:
		return "send_reply"
	case KindSendError:
		return "send_error"
	case KindRecordPending:
		return "record_pending"
	case KindAbort:
		return "abort"
	default:
		return "noop"
	}
}

type FollowUpKind int

const (
	FollowUpQosFlowBinding FollowUpKind = iota + 1
	FollowUpResourceSetup
)

func (k FollowUpKind) String() string {
	switch k {
	case FollowUpQosFlowBinding:
		return "qos_flow_binding"
	case FollowUpResourceSetup:
		return "resource_setup"
	default:
		return "unknown"
	}
}

// FollowUp is a new downstream transfer request. ReenterState is the state
// the session moved to and the state the peer's response will be tagged with.
type FollowUp struct {
	Kind                   FollowUpKind
	Payload                []byte
	ReenterState           pdu.State
	FailureNotifyRequested bool
}

// Action is the single side effect the transport adapter executes for one
// handled event.
type Action struct {
	Kind      Kind
	SessionID pdu.SessionID
	State     pdu.State

	FollowUp *FollowUp

	// Reply addressing. StreamID is zero when the caller has no pending slot.
	StreamID pdu.StreamID
	Stream   xact.Stream
	Status   int
	Body     []byte
	Detail   string

	// Class and Locator describe what KindRecordPending recorded.
	Class   pdu.Class
	Locator string

	// Displaced is a caller overwritten under the displace policy; it is owed
	// an error reply.
	Displaced *xact.Binding
}

func noop(sessionID pdu.SessionID, state pdu.State) Action {
	return Action{Kind: KindNoOp, SessionID: sessionID, State: state}
}
