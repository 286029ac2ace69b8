package procedure

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danmuck/smfctl/internal/observability"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/xact"
	"github.com/rs/zerolog"
)

// Encoder builds the opaque N2 SM containers carried by follow-up requests.
type Encoder interface {
	QosFlowBinding(sess pdu.Session) ([]byte, error)
	ResourceSetupRequestTransfer(sess pdu.Session) ([]byte, error)
}

// Machine applies the decision table to one session event at a time.
type Machine struct {
	registry   *pdu.Registry
	correlator *xact.Correlator
	encoder    Encoder
	log        zerolog.Logger
}

func NewMachine(registry *pdu.Registry, correlator *xact.Correlator, encoder Encoder, logger zerolog.Logger) *Machine {
	return &Machine{
		registry:   registry,
		correlator: correlator,
		encoder:    encoder,
		log:        logger.With().Str("component", "procedure").Logger(),
	}
}

// HandleResponse decides what to do with the peer's answer to an N1N2
// transfer issued while the session was in ev.State.
func (m *Machine) HandleResponse(ev TransferResponse) (Action, error) {
	act, err := m.handleResponse(ev)
	m.record(ev.State, act, err)
	return act, err
}

func (m *Machine) handleResponse(ev TransferResponse) (Action, error) {
	sess, ok := m.registry.Find(ev.SessionID)
	if !ok {
		return Action{
			Kind:      KindSendError,
			SessionID: ev.SessionID,
			State:     ev.State,
			Stream:    ev.Stream,
			Status:    http.StatusNotFound,
			Detail:    "session not found",
		}, fmt.Errorf("%w: session %s", ErrUnknownCorrelation, ev.SessionID)
	}
	logger := m.log.With().
		Str("session_id", sess.ID.String()).
		Str("owner", sess.Label()).
		Str("state", ev.State.String()).
		Int("status", ev.Status).
		Str("cause", ev.Cause.String()).
		Logger()

	g, known := groupOf(ev.State)
	if known && g != groupEstablishing && ev.Cause == CauseNone {
		logger.Error().Msg("no N1N2MessageTransferRspData")
		return Action{
			Kind:      KindSendError,
			SessionID: sess.ID,
			State:     ev.State,
			Stream:    ev.Stream,
			Status:    http.StatusBadGateway,
			Detail:    "no N1N2MessageTransferRspData",
		}, fmt.Errorf("%w: missing transfer response data [status:%d]", ErrProtocolViolation, ev.Status)
	}

	r, ok := decide(ev.State, ev.Status, ev.Cause)
	if !ok {
		uerr := &UnimplementedCauseError{State: ev.State, Status: ev.Status, Cause: ev.Cause}
		logger.Error().Bool("fatal", true).Msg("not implemented")
		return Action{Kind: KindAbort, SessionID: sess.ID, State: ev.State, Detail: uerr.Error()}, uerr
	}

	switch r {
	case ruleQosFlowBinding:
		return m.followUp(sess, ev.State, FollowUpQosFlowBinding, pdu.StateQosFlowModification, false)

	case ruleResendWithFailureNotify:
		logger.Info().Msg("N1 message not transferred, resending with failure notification")
		return m.followUp(sess, ev.State, FollowUpResourceSetup, pdu.StateNetworkTriggeredServiceRequest, true)

	case rulePeerFailure:
		logger.Error().Msg("HTTP response error")
		return Action{
			Kind:      KindSendError,
			SessionID: sess.ID,
			State:     ev.State,
			Stream:    ev.Stream,
			Status:    failureStatus(ev.Status),
			Detail:    fmt.Sprintf("peer status %d cause %s", ev.Status, ev.Cause),
		}, fmt.Errorf("%w: [%s] status=%d cause=%s", ErrPeerReportedFailure, sess.Label(), ev.Status, ev.Cause)

	case ruleRecordModify:
		return m.recordPending(logger, sess, ev, pdu.ClassModify, "")

	case ruleLocatorRecordModify:
		locator := strings.TrimSpace(ev.Locator)
		var locErr error
		if locator != "" {
			if _, err := m.registry.SetLocator(sess.ID, locator); err != nil {
				locErr = err
			} else {
				logger.Debug().Str("locator", locator).Msg("callback locator set")
			}
		} else {
			logger.Error().Msg("no HTTP Location")
			locErr = fmt.Errorf("%w: accepted response without locator", ErrProtocolViolation)
		}
		act, err := m.recordPending(logger, sess, ev, pdu.ClassModify, locator)
		if err != nil {
			return act, err
		}
		if locErr != nil {
			act.Locator = ""
		}
		return act, locErr

	case ruleRecordRelease:
		return m.recordPending(logger, sess, ev, pdu.ClassRelease, "")

	case ruleAwaitRelease:
		logger.Debug().Msg("awaiting release confirmation")
		return noop(sess.ID, ev.State), nil
	}

	uerr := &UnimplementedCauseError{State: ev.State, Status: ev.Status, Cause: ev.Cause}
	return Action{Kind: KindAbort, SessionID: sess.ID, State: ev.State, Detail: uerr.Error()}, uerr
}

func (m *Machine) followUp(sess pdu.Session, state pdu.State, kind FollowUpKind, reenter pdu.State, notify bool) (Action, error) {
	var (
		payload []byte
		err     error
	)
	switch kind {
	case FollowUpQosFlowBinding:
		payload, err = m.encoder.QosFlowBinding(sess)
	default:
		payload, err = m.encoder.ResourceSetupRequestTransfer(sess)
	}
	if err != nil {
		return Action{
			Kind:      KindSendError,
			SessionID: sess.ID,
			State:     state,
			Status:    http.StatusInternalServerError,
			Detail:    "n2 encode failed",
		}, fmt.Errorf("procedure: build %s: %w", kind, err)
	}
	if _, err := m.registry.Transition(sess.ID, reenter); err != nil {
		return noop(sess.ID, state), err
	}
	return Action{
		Kind:      KindSendFollowUp,
		SessionID: sess.ID,
		State:     state,
		FollowUp: &FollowUp{
			Kind:                   kind,
			Payload:                payload,
			ReenterState:           reenter,
			FailureNotifyRequested: notify,
		},
	}, nil
}

// recordPending stores the waiting caller in the class slot. Without a
// stream there is nobody to record and the action is a no-op.
func (m *Machine) recordPending(logger zerolog.Logger, sess pdu.Session, ev TransferResponse, class pdu.Class, locator string) (Action, error) {
	if ev.Stream == nil {
		act := noop(sess.ID, ev.State)
		act.Locator = locator
		return act, nil
	}
	a, err := m.correlator.Assign(sess.ID, class, ev.Stream)
	if err != nil {
		if errors.Is(err, xact.ErrAlreadyPending) {
			logger.Error().
				Str("class", class.String()).
				Uint32("stream_id", uint32(sess.Pending(class))).
				Msg("pending stream ID has not been used yet")
			return Action{
				Kind:      KindSendError,
				SessionID: sess.ID,
				State:     ev.State,
				Stream:    ev.Stream,
				Status:    http.StatusConflict,
				Detail:    fmt.Sprintf("%s transaction already pending", class),
			}, err
		}
		return Action{
			Kind:      KindSendError,
			SessionID: sess.ID,
			State:     ev.State,
			Stream:    ev.Stream,
			Status:    http.StatusServiceUnavailable,
			Detail:    err.Error(),
		}, err
	}
	logger.Debug().
		Str("class", class.String()).
		Uint32("stream_id", uint32(a.ID)).
		Msg("pending stream recorded")
	return Action{
		Kind:      KindRecordPending,
		SessionID: sess.ID,
		State:     ev.State,
		StreamID:  a.ID,
		Stream:    a.Stream,
		Class:     class,
		Locator:   locator,
		Displaced: a.Displaced,
	}, nil
}

// HandleFailureNotification correlates a deferred failure report back to the
// session through its callback locator.
func (m *Machine) HandleFailureNotification(n FailureNotification) (Action, error) {
	act, err := m.handleFailureNotification(n)
	m.record(act.State, act, err)
	return act, err
}

func (m *Machine) handleFailureNotification(n FailureNotification) (Action, error) {
	cause := strings.TrimSpace(n.Cause)
	locator := strings.TrimSpace(n.Locator)
	if cause == "" {
		m.log.Error().Msg("no cause")
		return badRequest("No Cause"), fmt.Errorf("%w: notification without cause", ErrProtocolViolation)
	}
	if locator == "" {
		m.log.Error().Msg("no n1n2MsgDataUri")
		return badRequest("No n1n2MsgDataUri"), fmt.Errorf("%w: notification without locator", ErrProtocolViolation)
	}

	sess, ok := m.registry.FindByLocator(locator)
	if !ok {
		m.log.Error().Str("locator", locator).Msg("not found")
		return Action{
			Kind:   KindSendError,
			Status: http.StatusNotFound,
			Detail: locator,
		}, fmt.Errorf("%w: locator %q", ErrUnknownCorrelation, locator)
	}

	if _, err := m.registry.ClearLocator(sess.ID); err != nil {
		return Action{
			Kind:      KindSendError,
			SessionID: sess.ID,
			State:     sess.State,
			Status:    http.StatusInternalServerError,
			Detail:    err.Error(),
		}, err
	}
	m.log.Info().
		Str("session_id", sess.ID.String()).
		Str("owner", sess.Label()).
		Str("locator", locator).
		Str("cause", cause).
		Msg("N1N2 transfer failure notified")
	return Action{
		Kind:      KindAck,
		SessionID: sess.ID,
		State:     sess.State,
		Status:    http.StatusNoContent,
		Locator:   locator,
	}, nil
}

// failureStatus is the status reported upstream for a peer failure. A peer
// status below 400 is not an error status on its own, so it becomes 502.
func failureStatus(peer int) int {
	if peer < http.StatusBadRequest {
		return http.StatusBadGateway
	}
	return peer
}

func badRequest(detail string) Action {
	return Action{Kind: KindSendError, Status: http.StatusBadRequest, Detail: detail}
}

// HandleCompletion forwards the final outcome of a pending transaction to
// its waiting caller and consumes the stream id.
func (m *Machine) HandleCompletion(id pdu.StreamID, status int, body []byte) (Action, error) {
	b, err := m.correlator.Complete(id)
	if err != nil {
		act := Action{Kind: KindSendError, Status: http.StatusNotFound, Detail: fmt.Sprintf("stream %d", id)}
		m.record(pdu.StateNone, act, err)
		return act, fmt.Errorf("%w: %v", ErrUnknownCorrelation, err)
	}
	state := pdu.StateNone
	if sess, ok := m.registry.Find(b.SessionID); ok {
		state = sess.State
	}
	act := Action{
		Kind:      KindSendReply,
		SessionID: b.SessionID,
		State:     state,
		StreamID:  b.ID,
		Stream:    b.Stream,
		Class:     b.Class,
		Status:    status,
		Body:      body,
	}
	m.record(state, act, nil)
	return act, nil
}

// HandleExpiry treats an expired pending transaction as a failed one: the
// slot is cleared and the caller told. An expiry for a stream the slot no
// longer holds is stale and ignored.
func (m *Machine) HandleExpiry(sessionID pdu.SessionID, class pdu.Class, id pdu.StreamID) (Action, error) {
	sess, ok := m.registry.Find(sessionID)
	if !ok || sess.Pending(class) != id {
		return noop(sessionID, sess.State), nil
	}
	b, found, err := m.correlator.Clear(sessionID, class)
	if err != nil {
		return noop(sessionID, sess.State), err
	}
	if !found {
		return noop(sessionID, sess.State), nil
	}
	m.log.Error().
		Str("session_id", sessionID.String()).
		Str("owner", sess.Label()).
		Str("class", class.String()).
		Uint32("stream_id", uint32(id)).
		Msg("pending transaction expired")
	act := Action{
		Kind:      KindSendError,
		SessionID: sessionID,
		State:     sess.State,
		StreamID:  b.ID,
		Stream:    b.Stream,
		Class:     class,
		Status:    http.StatusGatewayTimeout,
		Detail:    "transaction expired",
	}
	err = fmt.Errorf("%w: session %s %s stream %d", ErrTransactionExpired, sessionID, class, id)
	m.record(sess.State, act, err)
	return act, err
}

func (m *Machine) record(state pdu.State, act Action, err error) {
	observability.RecordAction(state.String(), act.Kind.String())
	if err != nil {
		observability.RecordProcedureError(ErrorKind(err))
	}
}
