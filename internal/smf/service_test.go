package smf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/procedure"
	"github.com/danmuck/smfctl/internal/sbi"
	"github.com/danmuck/smfctl/internal/testutil/testlog"
	"github.com/danmuck/smfctl/internal/xact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peerStep struct {
	rsp procedure.Response
	err error
}

// scriptedPeer answers transfers in order from steps.
type scriptedPeer struct {
	mu    sync.Mutex
	steps []peerStep
	calls []sbi.TransferRequest
}

func (p *scriptedPeer) Transfer(_ context.Context, req sbi.TransferRequest) (procedure.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.steps) == 0 {
		return procedure.Response{}, fmt.Errorf("%w: no scripted answer", sbi.ErrPeerUnreachable)
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.rsp, step.err
}

func (p *scriptedPeer) push(steps ...peerStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

func (p *scriptedPeer) requests() []sbi.TransferRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sbi.TransferRequest(nil), p.calls...)
}

func ok(cause procedure.Cause) peerStep {
	return peerStep{rsp: procedure.Response{Status: http.StatusOK, Cause: cause}}
}

func accepted(cause procedure.Cause, locator string) peerStep {
	return peerStep{rsp: procedure.Response{Status: http.StatusAccepted, Cause: cause, Locator: locator}}
}

func testConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.DispatchWorkers = 4
	cfg.RegistryShards = 4
	cfg.StreamPoolSize = 64
	cfg.HeartbeatInterval = 0
	return cfg
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *scriptedPeer) {
	t.Helper()
	testlog.Start(t)
	peer := &scriptedPeer{}
	svc, err := NewServiceWithPeer(cfg, peer)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, peer
}

func waitReply(t *testing.T, stream *sbi.Stream) (int, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, body, err := stream.Wait(ctx)
	require.NoError(t, err, "stream was never answered")
	return status, body
}

func requireUnanswered(t *testing.T, stream *sbi.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := stream.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// establishModify runs establishment through to a recorded modify slot.
func establishModify(t *testing.T, svc *Service, peer *scriptedPeer) (pdu.Session, *sbi.Stream) {
	t.Helper()
	peer.push(ok(procedure.CauseNone), ok(procedure.CauseN1N2TransferInitiated))
	stream := sbi.NewStream()
	sess, err := svc.Establish(context.Background(), "imsi-001010000000001", 5, stream)
	require.NoError(t, err)
	got, found := svc.Session(sess.ID)
	require.True(t, found)
	require.NotZero(t, got.Pending(pdu.ClassModify))
	return got, stream
}

func TestEstablishIssuesQosBindingAndCompletes(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, stream := establishModify(t, svc, peer)

	calls := peer.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, pdu.StateEstablishing, calls[0].State)
	assert.Equal(t, "PDU_RES_SETUP_REQ", calls[0].N2Type)
	assert.Equal(t, pdu.StateQosFlowModification, calls[1].State)
	assert.Equal(t, "PDU_RES_MOD_REQ", calls[1].N2Type)
	assert.False(t, calls[1].FailureNotify)
	assert.Equal(t, pdu.StateQosFlowModification, sess.State)
	assert.Equal(t, 1, svc.Pending())
	requireUnanswered(t, stream)

	require.NoError(t, svc.Complete(context.Background(), sess.Pending(pdu.ClassModify), http.StatusOK, []byte(`{"done":true}`)))
	status, body := waitReply(t, stream)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"done":true}`, string(body))

	after, found := svc.Session(sess.ID)
	require.True(t, found)
	assert.True(t, after.Idle())
	assert.Zero(t, svc.Pending())

	err := svc.Complete(context.Background(), sess.Pending(pdu.ClassModify), http.StatusOK, nil)
	require.ErrorIs(t, err, procedure.ErrUnknownCorrelation)
}

func TestEstablishRejectsPSIOutOfRange(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	for _, psi := range []uint8{0, 16} {
		_, err := svc.Establish(context.Background(), "imsi-1", psi, sbi.NewStream())
		require.ErrorIs(t, err, procedure.ErrProtocolViolation)
	}
	assert.Empty(t, peer.requests())
	assert.Empty(t, svc.Sessions())
}

func TestEstablishPeerFailureReportsStatus(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	peer.push(peerStep{rsp: procedure.Response{Status: http.StatusForbidden}})
	stream := sbi.NewStream()
	_, err := svc.Establish(context.Background(), "imsi-1", 5, stream)
	require.NoError(t, err)

	status, body := waitReply(t, stream)
	assert.Equal(t, http.StatusForbidden, status)
	var problem sbi.ProblemDetails
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, http.StatusForbidden, problem.Status)
}

func TestTransportFailureAnswersGatewayTimeout(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	peer.push(peerStep{err: fmt.Errorf("%w: connection refused", sbi.ErrPeerUnreachable)})
	stream := sbi.NewStream()
	_, err := svc.Establish(context.Background(), "imsi-1", 5, stream)
	require.NoError(t, err)

	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusGatewayTimeout, status)
}

func TestReleaseNotTransferredResendsWithFailureNotify(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, first := establishModify(t, svc, peer)
	require.NoError(t, svc.Complete(context.Background(), sess.Pending(pdu.ClassModify), http.StatusOK, nil))
	waitReply(t, first)

	peer.push(
		ok(procedure.CauseN1MsgNotTransferred),
		accepted(procedure.CauseAttemptingToReachUE, "http://amf/n1n2/loc-1"),
	)
	stream := sbi.NewStream()
	require.NoError(t, svc.Trigger(context.Background(), sess.ID, pdu.StateReleaseOrErrorIndication, stream))

	calls := peer.requests()
	require.Len(t, calls, 4)
	assert.Equal(t, "PDU_RES_REL_CMD", calls[2].N2Type)
	assert.Equal(t, pdu.StateNetworkTriggeredServiceRequest, calls[3].State)
	assert.True(t, calls[3].FailureNotify)

	got, found := svc.Session(sess.ID)
	require.True(t, found)
	assert.Equal(t, "http://amf/n1n2/loc-1", got.CallbackLocator)
	assert.NotZero(t, got.Pending(pdu.ClassModify))

	act, err := svc.NotifyFailure(context.Background(), procedure.FailureNotification{
		Cause:   "UE_NOT_RESPONDING",
		Locator: "http://amf/n1n2/loc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, procedure.KindAck, act.Kind)
	got, _ = svc.Session(sess.ID)
	assert.Empty(t, got.CallbackLocator)

	_, err = svc.NotifyFailure(context.Background(), procedure.FailureNotification{
		Cause:   "UE_NOT_RESPONDING",
		Locator: "http://amf/n1n2/loc-1",
	})
	require.ErrorIs(t, err, procedure.ErrUnknownCorrelation)
}

func TestReleaseCompletionClosesSession(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, first := establishModify(t, svc, peer)
	require.NoError(t, svc.Complete(context.Background(), sess.Pending(pdu.ClassModify), http.StatusOK, nil))
	waitReply(t, first)

	peer.push(ok(procedure.CauseN1N2TransferInitiated))
	stream := sbi.NewStream()
	require.NoError(t, svc.Trigger(context.Background(), sess.ID, pdu.StateReleaseOrErrorIndication, stream))
	got, _ := svc.Session(sess.ID)
	id := got.Pending(pdu.ClassRelease)
	require.NotZero(t, id)

	require.NoError(t, svc.Complete(context.Background(), id, http.StatusNoContent, nil))
	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusNoContent, status)

	_, found := svc.Session(sess.ID)
	assert.False(t, found, "released session must be destroyed")
	assert.Empty(t, svc.Sessions())
	assert.Zero(t, svc.Pending())

	err := svc.Trigger(context.Background(), sess.ID, pdu.StateQosFlowModification, sbi.NewStream())
	require.ErrorIs(t, err, sbi.ErrSessionNotFound)
}

func TestReleasedSessionWaitsForModifySlot(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, modify := establishModify(t, svc, peer)
	modifyID := sess.Pending(pdu.ClassModify)

	peer.push(ok(procedure.CauseN1N2TransferInitiated))
	stream := sbi.NewStream()
	require.NoError(t, svc.Trigger(context.Background(), sess.ID, pdu.StateReleaseOrErrorIndication, stream))
	got, _ := svc.Session(sess.ID)
	releaseID := got.Pending(pdu.ClassRelease)
	require.NotZero(t, releaseID)

	require.NoError(t, svc.Complete(context.Background(), releaseID, http.StatusNoContent, nil))
	waitReply(t, stream)
	got, found := svc.Session(sess.ID)
	require.True(t, found, "modify slot still pending")
	assert.Equal(t, pdu.StateReleased, got.State)

	require.NoError(t, svc.Complete(context.Background(), modifyID, http.StatusOK, nil))
	waitReply(t, modify)
	_, found = svc.Session(sess.ID)
	assert.False(t, found)
}

func TestReleaseAttemptingAnswersAccepted(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, first := establishModify(t, svc, peer)
	require.NoError(t, svc.Complete(context.Background(), sess.Pending(pdu.ClassModify), http.StatusOK, nil))
	waitReply(t, first)

	peer.push(accepted(procedure.CauseAttemptingToReachUE, ""))
	stream := sbi.NewStream()
	require.NoError(t, svc.Trigger(context.Background(), sess.ID, pdu.StateReleaseOrErrorIndication, stream))

	status, body := waitReply(t, stream)
	assert.Equal(t, http.StatusAccepted, status)
	var view sbi.SessionView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, sess.ID.String(), view.ID)
	assert.Equal(t, pdu.StateReleaseOrErrorIndication.String(), view.State)
}

func TestSecondModifyRejectedWhilePending(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, first := establishModify(t, svc, peer)

	peer.push(ok(procedure.CauseN1N2TransferInitiated))
	second := sbi.NewStream()
	require.NoError(t, svc.Trigger(context.Background(), sess.ID, pdu.StateQosFlowModification, second))

	status, _ := waitReply(t, second)
	assert.Equal(t, http.StatusConflict, status)
	requireUnanswered(t, first)
	assert.Equal(t, 1, svc.Pending())
}

func TestSecondModifyDisplacesUnderDisplacePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.PendingPolicy = xact.PolicyDisplace
	svc, peer := newTestService(t, cfg)
	sess, first := establishModify(t, svc, peer)
	oldID := sess.Pending(pdu.ClassModify)

	peer.push(ok(procedure.CauseN1N2TransferInitiated))
	second := sbi.NewStream()
	require.NoError(t, svc.Trigger(context.Background(), sess.ID, pdu.StateQosFlowModification, second))

	status, _ := waitReply(t, first)
	assert.Equal(t, http.StatusConflict, status)
	requireUnanswered(t, second)

	got, _ := svc.Session(sess.ID)
	newID := got.Pending(pdu.ClassModify)
	assert.NotEqual(t, oldID, newID)
	require.NoError(t, svc.Complete(context.Background(), newID, http.StatusOK, nil))
	status, _ = waitReply(t, second)
	assert.Equal(t, http.StatusOK, status)
}

func TestPendingTransactionExpires(t *testing.T) {
	cfg := testConfig()
	cfg.MessageDuration = 60 * time.Millisecond
	svc, peer := newTestService(t, cfg)
	sess, stream := establishModify(t, svc, peer)

	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	require.Eventually(t, func() bool {
		got, _ := svc.Session(sess.ID)
		return got.Idle()
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, svc.Pending())
}

func TestFollowUpLimitStopsChain(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFollowUps = 0
	svc, peer := newTestService(t, cfg)
	peer.push(ok(procedure.CauseNone))
	stream := sbi.NewStream()
	_, err := svc.Establish(context.Background(), "imsi-1", 5, stream)
	require.NoError(t, err)

	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusLoopDetected, status)
	assert.Len(t, peer.requests(), 1)
}

func TestAbandonAnswersWaitingCallers(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, stream := establishModify(t, svc, peer)

	require.NoError(t, svc.Abandon(context.Background(), sess.ID))
	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusGone, status)

	_, found := svc.Session(sess.ID)
	assert.False(t, found)
	assert.Zero(t, svc.Pending())
	require.ErrorIs(t, svc.Abandon(context.Background(), sess.ID), sbi.ErrSessionNotFound)
}

func TestTriggerValidation(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	err := svc.Trigger(context.Background(), 99, pdu.StateQosFlowModification, sbi.NewStream())
	require.ErrorIs(t, err, sbi.ErrSessionNotFound)

	err = svc.Trigger(context.Background(), 99, pdu.StateEstablishing, sbi.NewStream())
	require.ErrorIs(t, err, pdu.ErrInvalidState)
}

func TestClosedServiceIsUnavailable(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, _ := establishModify(t, svc, peer)
	svc.Close()

	err := svc.Trigger(context.Background(), sess.ID, pdu.StateQosFlowModification, sbi.NewStream())
	require.ErrorIs(t, err, sbi.ErrUnavailable)
}

func TestUnimplementedCauseStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.FatalUnimplemented = true
	svc, peer := newTestService(t, cfg)

	done := make(chan error, 1)
	go func() { done <- svc.RunContext(context.Background()) }()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.stopRun != nil
	}, time.Second, 5*time.Millisecond)

	peer.push(ok(procedure.CauseNone), ok(procedure.CauseAttemptingToReachUE))
	stream := sbi.NewStream()
	_, err := svc.Establish(context.Background(), "imsi-1", 5, stream)
	require.NoError(t, err)
	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusInternalServerError, status)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, procedure.IsFatal(err))
		assert.True(t, errors.Is(err, procedure.ErrUnimplementedCause))
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on unimplemented cause")
	}
}

func TestUnimplementedCauseKeepsRunningByDefault(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunContext(ctx) }()
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return svc.stopRun != nil
	}, time.Second, 5*time.Millisecond)

	peer.push(ok(procedure.CauseNone), ok(procedure.CauseAttemptingToReachUE))
	stream := sbi.NewStream()
	_, err := svc.Establish(context.Background(), "imsi-1", 5, stream)
	require.NoError(t, err)
	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusInternalServerError, status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestUnknownWireCauseAbortsTransfer(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	amf := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"cause":"SOME_FUTURE_CAUSE"}`))
	}))
	defer amf.Close()

	cfg := testConfig()
	cfg.PeerAddr = amf.URL
	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	stream := sbi.NewStream()
	sess, err := svc.Establish(context.Background(), "imsi-1", 5, stream)
	require.NoError(t, err)
	status, _ := waitReply(t, stream)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, int32(2), calls.Load())

	got, found := svc.Session(sess.ID)
	require.True(t, found)
	assert.True(t, got.Idle(), "abort must not record a pending transaction")
	assert.Zero(t, svc.Pending())
}

func TestHTTPReleaseRoundTrip(t *testing.T) {
	svc, peer := newTestService(t, testConfig())
	sess, first := establishModify(t, svc, peer)
	require.NoError(t, svc.Complete(context.Background(), sess.Pending(pdu.ClassModify), http.StatusOK, nil))
	waitReply(t, first)

	router := svc.HTTPServer().HTTPRouter()
	peer.push(accepted(procedure.CauseAttemptingToReachUE, ""))

	req := httptest.NewRequest(http.MethodPost, sbi.SessionsPath+"/"+sess.ID.String()+"/release", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodDelete, sbi.SessionsPath+"/"+sess.ID.String(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, svc.Sessions())
}
