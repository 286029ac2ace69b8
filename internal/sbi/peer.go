package sbi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smfctl/internal/observability"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/procedure"
	"github.com/danmuck/smfctl/internal/timer"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	FailureNotifyPath  = "/nsmf-callback/v1/n1-n2-failure-notify"
	RequestIDHeader    = "X-Request-Id"
	DefaultMaxAttempts = 3
	maxResponseBytes   = 1 << 20

	// DefaultBreakerFailures is how many consecutive transport failures open
	// the peer circuit.
	DefaultBreakerFailures = 5
)

var (
	ErrPeerAddressRequired = errors.New("sbi: peer address required")
	ErrPeerUnreachable     = errors.New("sbi: peer unreachable")
	ErrPeerCA              = errors.New("sbi: peer ca file")
)

type PeerClientConfig struct {
	Address         string
	Token           string
	CallbackBase    string
	Timers          timer.Policy
	MaxAttempts     int
	BreakerFailures uint32

	// RateLimit caps outbound transfers per second. Zero means unlimited.
	RateLimit float64
	RateBurst int

	// CAFile trusts an extra PEM bundle for https peers.
	CAFile     string
	HTTPClient *http.Client
}

func DefaultPeerClientConfig() PeerClientConfig {
	return PeerClientConfig{
		Timers:          timer.DefaultPolicy(),
		MaxAttempts:     DefaultMaxAttempts,
		BreakerFailures: DefaultBreakerFailures,
	}
}

// TransferRequest is one outbound N1N2 message transfer.
type TransferRequest struct {
	SessionID     pdu.SessionID
	Owner         string
	PSI           uint8
	State         pdu.State
	N2Type        string
	N2            []byte
	FailureNotify bool
}

type transferBody struct {
	PDUSessionID     uint8  `json:"pduSessionId"`
	SMFSessionRef    string `json:"smfSessionRef"`
	N2SmInfoType     string `json:"n2SmInfoType,omitempty"`
	N2SmInfo         []byte `json:"n2SmInfo,omitempty"`
	FailureNotifyURI string `json:"n1n2FailureTxfNotifURI,omitempty"`
}

type transferRspBody struct {
	Cause string `json:"cause"`
}

// PeerClient issues N1N2 message transfers to the peer over HTTP.
type PeerClient struct {
	cfg     PeerClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPeerClient(cfg PeerClientConfig) (*PeerClient, error) {
	cfg.Address = strings.TrimRight(strings.TrimSpace(cfg.Address), "/")
	if cfg.Address == "" {
		return nil, ErrPeerAddressRequired
	}
	if _, err := url.Parse(cfg.Address); err != nil {
		return nil, fmt.Errorf("sbi: peer address: %w", err)
	}
	if cfg.Timers.MessageDuration <= 0 {
		cfg.Timers = timer.DefaultPolicy()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timers.SBI.ConnectionDeadline}
		if cfg.CAFile != "" {
			tlsCfg, err := caConfig(cfg.CAFile)
			if err != nil {
				return nil, err
			}
			client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
		}
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	p := &PeerClient{
		cfg:  cfg,
		http: client,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer:" + cfg.Address,
		MaxRequests: 1,
		Timeout:     cfg.Timers.SBI.NFRegisterInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("peer circuit state")
		},
	})
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return p, nil
}

func caConfig(path string) (*tls.Config, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerCA, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrPeerCA, path)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PeerClient) transferURL(owner string) string {
	return fmt.Sprintf("%s/namf-comm/v1/ue-contexts/%s/n1-n2-messages", p.cfg.Address, url.PathEscape(owner))
}

// Transfer sends req and returns the peer's answer. Transport failures are
// retried with backoff; any HTTP answer, whatever its status, is returned.
func (p *PeerClient) Transfer(ctx context.Context, req TransferRequest) (procedure.Response, error) {
	body := transferBody{
		PDUSessionID:  req.PSI,
		SMFSessionRef: req.SessionID.String(),
		N2SmInfoType:  req.N2Type,
		N2SmInfo:      req.N2,
	}
	if req.FailureNotify && p.cfg.CallbackBase != "" {
		body.FailureNotifyURI = strings.TrimRight(p.cfg.CallbackBase, "/") + FailureNotifyPath
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return procedure.Response{}, err
	}

	logger := log.With().
		Str("session_id", req.SessionID.String()).
		Str("owner", req.Owner).
		Uint8("psi", req.PSI).
		Str("state", req.State.String()).
		Logger()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		start := time.Now()
		rsp, err := p.attempt(ctx, req.Owner, payload)
		if err == nil {
			observability.RecordPeerRequest(req.State.String(), rsp.Status, time.Since(start), true)
			logger.Debug().
				Int("status", rsp.Status).
				Str("cause", rsp.Cause.String()).
				Str("locator", rsp.Locator).
				Msg("n1n2 transfer answered")
			return rsp, nil
		}
		observability.RecordPeerRequest(req.State.String(), 0, time.Since(start), false)
		lastErr = err
		logger.Warn().Int("attempt", attempt).Err(err).Msg("n1n2 transfer failed")
		if ctx.Err() != nil || attempt == p.cfg.MaxAttempts || breakerRejected(err) {
			break
		}
		if err := p.sleepBackoff(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}
	return procedure.Response{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, lastErr)
}

// BreakerState reports the peer circuit state: closed, half-open or open.
func (p *PeerClient) BreakerState() string {
	return p.breaker.State().String()
}

func (p *PeerClient) attempt(ctx context.Context, owner string, payload []byte) (procedure.Response, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.do(ctx, owner, payload)
	})
	if err != nil {
		return procedure.Response{}, err
	}
	return out.(procedure.Response), nil
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (p *PeerClient) do(ctx context.Context, owner string, payload []byte) (procedure.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timers.SBI.ClientWait)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.transferURL(owner), bytes.NewReader(payload))
	if err != nil {
		return procedure.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, uuid.NewString())
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	httpRsp, err := p.http.Do(httpReq)
	if err != nil {
		return procedure.Response{}, err
	}
	defer httpRsp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpRsp.Body, maxResponseBytes))
	if err != nil {
		return procedure.Response{}, err
	}

	rsp := procedure.Response{
		Status:  httpRsp.StatusCode,
		Payload: raw,
		Locator: strings.TrimSpace(httpRsp.Header.Get("Location")),
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		var body transferRspBody
		if err := json.Unmarshal(raw, &body); err == nil {
			cause, ok := procedure.ParseCause(body.Cause)
			if !ok && cause == procedure.CauseUnknown {
				log.Warn().Str("cause", body.Cause).Msg("unrecognized n1n2 transfer cause")
			}
			rsp.Cause = cause
		}
	}
	return rsp, nil
}

func (p *PeerClient) sleepBackoff(ctx context.Context, attempt int) error {
	p.rngMu.Lock()
	delay := p.cfg.Timers.PeerBackoff().Delay(attempt, p.rng)
	p.rngMu.Unlock()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
