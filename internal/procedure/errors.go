package procedure

import (
	"errors"
	"fmt"

	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/xact"
)

var (
	ErrProtocolViolation   = errors.New("procedure: protocol violation")
	ErrUnknownCorrelation  = errors.New("procedure: unknown correlation")
	ErrUnimplementedCause  = errors.New("procedure: unimplemented cause")
	ErrPeerReportedFailure = errors.New("procedure: peer reported failure")
	ErrTransactionExpired  = errors.New("procedure: transaction expired")
)

// UnimplementedCauseError is a (state, status, cause) triple the procedure
// contract does not define. It is fatal: processing for the transaction stops.
type UnimplementedCauseError struct {
	State  pdu.State
	Status int
	Cause  Cause
}

func (e *UnimplementedCauseError) Error() string {
	return fmt.Sprintf("%s: state=%s status=%d cause=%s",
		ErrUnimplementedCause, e.State, e.Status, e.Cause)
}

func (e *UnimplementedCauseError) Is(target error) bool {
	return target == ErrUnimplementedCause
}

func (e *UnimplementedCauseError) Fatal() bool {
	return true
}

// IsFatal reports whether err is a programming/conformance error rather than
// a recoverable runtime failure.
func IsFatal(err error) bool {
	var u *UnimplementedCauseError
	return errors.As(err, &u)
}

// ErrorKind names the taxonomy bucket of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsFatal(err):
		return "unimplemented_cause"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrUnknownCorrelation):
		return "unknown_correlation"
	case errors.Is(err, xact.ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrPeerReportedFailure):
		return "peer_reported_failure"
	case errors.Is(err, ErrTransactionExpired):
		return "transaction_expired"
	default:
		return "internal"
	}
}
