package procedure

import (
	"net/http"
	"strings"

	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/xact"
)

// Cause is the application outcome carried with a transfer response or
// failure notification.
type Cause int

const (
	CauseNone Cause = iota
	CauseAttemptingToReachUE
	CauseN1N2TransferInitiated
	CauseWaitingForAsynchronousTransfer
	CauseUENotResponding
	CauseN1MsgNotTransferred
	CauseUENotReachableForSession
	CauseTemporaryRejectRegistrationOngoing
	CauseTemporaryRejectHandoverOngoing
	CauseRejectionDueToPagingRestriction
	CauseANNotResponding
	CauseFailureCauseUnspecified

	// CauseUnknown is a cause name present on the wire but not listed above.
	CauseUnknown

	causeCount
)

var causeNames = [...]string{
	CauseNone:                               "",
	CauseAttemptingToReachUE:                "ATTEMPTING_TO_REACH_UE",
	CauseN1N2TransferInitiated:              "N1_N2_TRANSFER_INITIATED",
	CauseWaitingForAsynchronousTransfer:     "WAITING_FOR_ASYNCHRONOUS_TRANSFER",
	CauseUENotResponding:                    "UE_NOT_RESPONDING",
	CauseN1MsgNotTransferred:                "N1_MSG_NOT_TRANSFERRED",
	CauseUENotReachableForSession:           "UE_NOT_REACHABLE_FOR_SESSION",
	CauseTemporaryRejectRegistrationOngoing: "TEMPORARY_REJECT_REGISTRATION_ONGOING",
	CauseTemporaryRejectHandoverOngoing:     "TEMPORARY_REJECT_HANDOVER_ONGOING",
	CauseRejectionDueToPagingRestriction:    "REJECTION_DUE_TO_PAGING_RESTRICTION",
	CauseANNotResponding:                    "AN_NOT_RESPONDING",
	CauseFailureCauseUnspecified:            "FAILURE_CAUSE_UNSPECIFIED",
}

func (c Cause) String() string {
	if c < 0 || c >= causeCount {
		return "UNKNOWN"
	}
	switch c {
	case CauseNone:
		return "NONE"
	case CauseUnknown:
		return "UNKNOWN"
	}
	return causeNames[c]
}

// ParseCause maps a wire cause name. An empty name parses as CauseNone and
// an unlisted one as CauseUnknown, both with ok false.
func ParseCause(raw string) (Cause, bool) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if name == "" {
		return CauseNone, false
	}
	for c := CauseAttemptingToReachUE; c < CauseUnknown; c++ {
		if causeNames[c] == name {
			return c, true
		}
	}
	return CauseUnknown, false
}

type statusClass int

const (
	statusOK statusClass = iota
	statusAccepted
	statusOther

	statusClassCount
)

func classifyStatus(status int) statusClass {
	switch status {
	case http.StatusOK:
		return statusOK
	case http.StatusAccepted:
		return statusAccepted
	default:
		return statusOther
	}
}

func (s statusClass) String() string {
	switch s {
	case statusOK:
		return "ok"
	case statusAccepted:
		return "accepted"
	default:
		return "other"
	}
}

// Response is the peer's answer to one N1N2 message transfer. Cause is
// CauseNone when the response carried no transfer data, and CauseUnknown
// when the data named a cause outside the N1N2 transfer cause set.
type Response struct {
	Status  int
	Cause   Cause
	Payload []byte
	Locator string
}

// TransferResponse is a Response tagged with the procedure state that was
// active when the request went out, and the upstream caller's stream if one
// is waiting on this transfer.
type TransferResponse struct {
	SessionID pdu.SessionID
	State     pdu.State
	Stream    xact.Stream
	Response
}

// FailureNotification is the peer's deferred report that a transfer it
// accepted with a locator could not be delivered.
type FailureNotification struct {
	Cause   string
	Locator string
}
