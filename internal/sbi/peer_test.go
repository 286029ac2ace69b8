package sbi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/procedure"
	"github.com/danmuck/smfctl/internal/testutil/testlog"
	"github.com/danmuck/smfctl/internal/testutil/tlstest"
	"github.com/danmuck/smfctl/internal/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTimers(t *testing.T) timer.Policy {
	t.Helper()
	p, err := timer.Derive(200 * time.Millisecond)
	require.NoError(t, err)
	return p
}

func TestNewPeerClientRequiresAddress(t *testing.T) {
	testlog.Start(t)
	_, err := NewPeerClient(PeerClientConfig{Address: "  "})
	require.ErrorIs(t, err, ErrPeerAddressRequired)
}

func TestTransferEncodesRequestAndParsesAnswer(t *testing.T) {
	testlog.Start(t)
	var got transferBody
	var gotAuth, gotReqID, gotPath string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get(RequestIDHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Location", "http://amf/loc/1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"cause":"ATTEMPTING_TO_REACH_UE"}`))
	}))
	defer peer.Close()

	client, err := NewPeerClient(PeerClientConfig{
		Address:      peer.URL + "/",
		Token:        "tok",
		CallbackBase: "http://smf:7777/",
		Timers:       testTimers(t),
	})
	require.NoError(t, err)

	rsp, err := client.Transfer(context.Background(), TransferRequest{
		SessionID:     9,
		Owner:         "imsi-001010000000001",
		PSI:           5,
		State:         pdu.StateNetworkTriggeredServiceRequest,
		N2Type:        "PDU_RES_SETUP_REQ",
		N2:            []byte{1, 2, 3},
		FailureNotify: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rsp.Status)
	assert.Equal(t, procedure.CauseAttemptingToReachUE, rsp.Cause)
	assert.Equal(t, "http://amf/loc/1", rsp.Locator)

	assert.Equal(t, "/namf-comm/v1/ue-contexts/imsi-001010000000001/n1-n2-messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.NotEmpty(t, gotReqID)
	assert.Equal(t, uint8(5), got.PDUSessionID)
	assert.Equal(t, "9", got.SMFSessionRef)
	assert.Equal(t, []byte{1, 2, 3}, got.N2SmInfo)
	assert.Equal(t, "http://smf:7777"+FailureNotifyPath, got.FailureNotifyURI)
}

func TestTransferWithoutBodyLeavesCauseNone(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t)})
	require.NoError(t, err)
	rsp, err := client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1, State: pdu.StateEstablishing})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rsp.Status)
	assert.Equal(t, procedure.CauseNone, rsp.Cause)
}

func TestTransferKeepsUnknownCauseApartFromMissing(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"cause":"SOME_FUTURE_CAUSE"}`))
	}))
	defer peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t)})
	require.NoError(t, err)
	rsp, err := client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1, State: pdu.StateNetworkTriggeredServiceRequest})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rsp.Status)
	assert.Equal(t, procedure.CauseUnknown, rsp.Cause)
}

func TestTransferErrorStatusIsNotRetried(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"cause":"TEMPORARY_REJECT_HANDOVER_ONGOING"}`))
	}))
	defer peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t), MaxAttempts: 3})
	require.NoError(t, err)
	rsp, err := client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, rsp.Status)
	assert.Equal(t, procedure.CauseTemporaryRejectHandoverOngoing, rsp.Cause)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransferRetriesTransportFailure(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := peer.URL
	peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: addr, Timers: testTimers(t), MaxAttempts: 2})
	require.NoError(t, err)
	_, err = client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestTransferStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := peer.URL
	peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: addr, Timers: testTimers(t), MaxAttempts: 10})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, err = client.Transfer(ctx, TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
	require.True(t, errors.Is(err, ErrPeerUnreachable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := peer.URL
	peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: addr, Timers: testTimers(t), MaxAttempts: 1, BreakerFailures: 2})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
		require.ErrorIs(t, err, ErrPeerUnreachable)
	}
	assert.Equal(t, "open", client.BreakerState())

	_, err = client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
	require.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestErrorStatusDoesNotOpenBreaker(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t), BreakerFailures: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		rsp, err := client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, rsp.Status)
	}
	assert.Equal(t, "closed", client.BreakerState())
}

func TestRateLimitSpacesTransfers(t *testing.T) {
	testlog.Start(t)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	client, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t), RateLimit: 20, RateBurst: 1})
	require.NoError(t, err)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestTransferOverTLSWithPeerCA(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "smfctl-test-ca")
	peer := ca.StartServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cause":"N1_N2_TRANSFER_INITIATED"}`))
	}))

	client, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t), CAFile: ca.CAFile()})
	require.NoError(t, err)
	rsp, err := client.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1, State: pdu.StateQosFlowModification})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rsp.Status)
	assert.Equal(t, procedure.CauseN1N2TransferInitiated, rsp.Cause)

	untrusted, err := NewPeerClient(PeerClientConfig{Address: peer.URL, Timers: testTimers(t), MaxAttempts: 1})
	require.NoError(t, err)
	_, err = untrusted.Transfer(context.Background(), TransferRequest{SessionID: 1, Owner: "o", PSI: 1})
	require.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestNewPeerClientRejectsBadCAFile(t *testing.T) {
	testlog.Start(t)
	_, err := NewPeerClient(PeerClientConfig{Address: "https://amf", CAFile: filepath.Join(t.TempDir(), "absent.crt")})
	require.ErrorIs(t, err, ErrPeerCA)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate\n"), 0o644))
	_, err = NewPeerClient(PeerClientConfig{Address: "https://amf", CAFile: empty})
	require.ErrorIs(t, err, ErrPeerCA)
}
