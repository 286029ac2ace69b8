package timer

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessageDuration = errors.New("timer: invalid message duration")

const (
	DefaultMessageDuration = 2 * time.Second

	SBIResponseRetryCount = 2
	SBIHoldingRetryCount  = 0

	PFCPResponseRetryCount = 3
	PFCPHoldingRetryCount  = 1
	GTPResponseRetryCount  = 3
	GTPHoldingRetryCount   = 1
)

// SBIPolicy holds service-based interface wait times.
type SBIPolicy struct {
	ClientWait                    time.Duration
	ConnectionDeadline            time.Duration
	NFRegisterInterval            time.Duration
	NFRegisterIntervalInException time.Duration

	// Retry splits ClientWait across peer retransmissions.
	Retry RetryPolicy
}

// RetryPolicy is a response/holding retransmission budget.
type RetryPolicy struct {
	ResponseCount    int
	ResponseDuration time.Duration
	HoldingCount     int
	HoldingDuration  time.Duration
}

type PFCPPolicy struct {
	RetryPolicy
	AssociationInterval time.Duration
	NoHeartbeatDuration time.Duration
}

type GTPPolicy struct {
	RetryPolicy
}

// Policy is the full set of timer constants derived from one message duration.
type Policy struct {
	MessageDuration time.Duration
	SBI             SBIPolicy
	PFCP            PFCPPolicy
	GTP             GTPPolicy
}

func DefaultPolicy() Policy {
	p, err := Derive(DefaultMessageDuration)
	if err != nil {
		panic(err)
	}
	return p
}

// Derive regenerates every timer constant from messageDuration.
func Derive(messageDuration time.Duration) (Policy, error) {
	if messageDuration <= 0 {
		return Policy{}, fmt.Errorf("%w: %s", ErrInvalidMessageDuration, messageDuration)
	}

	wait := messageDuration
	p := Policy{
		MessageDuration: messageDuration,
		SBI: SBIPolicy{
			ClientWait:                    wait,
			ConnectionDeadline:            wait + time.Second,
			NFRegisterInterval:            max(3*time.Second, wait+time.Second),
			NFRegisterIntervalInException: 300 * time.Millisecond,
			Retry:                         retryPolicy(messageDuration, SBIResponseRetryCount, SBIHoldingRetryCount),
		},
		PFCP: PFCPPolicy{
			RetryPolicy:         retryPolicy(messageDuration, PFCPResponseRetryCount, PFCPHoldingRetryCount),
			AssociationInterval: max(3*time.Second, wait+time.Second),
			NoHeartbeatDuration: max(10*time.Second, wait+time.Second),
		},
		GTP: GTPPolicy{
			RetryPolicy: retryPolicy(messageDuration, GTPResponseRetryCount, GTPHoldingRetryCount),
		},
	}
	if p.SBI.Retry.ResponseDuration <= 0 || p.PFCP.ResponseDuration <= 0 || p.GTP.ResponseDuration <= 0 {
		return Policy{}, fmt.Errorf("%w: %s too small to split across retries", ErrInvalidMessageDuration, messageDuration)
	}
	return p, nil
}

// Holding duration covers every response retransmission, not the holding count.
func retryPolicy(messageDuration time.Duration, responseCount, holdingCount int) RetryPolicy {
	response := messageDuration / time.Duration(responseCount+1)
	return RetryPolicy{
		ResponseCount:    responseCount,
		ResponseDuration: response,
		HoldingCount:     holdingCount,
		HoldingDuration:  time.Duration(responseCount) * response,
	}
}

// PeerBackoff is the retry shape owners use when the peer is unreachable.
func (p Policy) PeerBackoff() Backoff {
	return p.SBI.Retry.Backoff()
}
