package smf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/smfctl/internal/auth"
	"github.com/danmuck/smfctl/internal/dispatch"
	"github.com/danmuck/smfctl/internal/ngap"
	"github.com/danmuck/smfctl/internal/observability"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/procedure"
	"github.com/danmuck/smfctl/internal/sbi"
	"github.com/danmuck/smfctl/internal/timer"
	"github.com/danmuck/smfctl/internal/xact"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	MinPSI = 1
	MaxPSI = 15
)

// Transferer sends one N1N2 message transfer to the peer.
type Transferer interface {
	Transfer(ctx context.Context, req sbi.TransferRequest) (procedure.Response, error)
}

// Service owns the session registry and runs every procedure through it.
type Service struct {
	cfg        ServiceConfig
	timers     timer.Policy
	registry   *pdu.Registry
	correlator *xact.Correlator
	builder    *ngap.Builder
	machine    *procedure.Machine
	dispatcher *dispatch.Dispatcher
	scheduler  *timer.Scheduler
	peer       Transferer
	log        zerolog.Logger

	mu        sync.Mutex
	stopRun   context.CancelCauseFunc
	closeOnce sync.Once
}

var _ sbi.Backend = (*Service)(nil)

// NewService builds a Service that talks to cfg.PeerAddr over HTTP.
func NewService(cfg ServiceConfig) (*Service, error) {
	return NewServiceWithPeer(cfg, nil)
}

// NewServiceWithPeer builds a Service around an explicit peer. A nil peer
// falls back to an HTTP client for cfg.PeerAddr.
func NewServiceWithPeer(cfg ServiceConfig, peer Transferer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timers, err := timer.Derive(cfg.MessageDuration)
	if err != nil {
		return nil, err
	}
	policy, err := xact.ParsePolicy(string(cfg.PendingPolicy))
	if err != nil {
		return nil, err
	}
	cfg.PendingPolicy = policy
	cfg.CORSOrigins = normalizeOrigins(cfg.CORSOrigins)
	if peer == nil {
		client, err := sbi.NewPeerClient(sbi.PeerClientConfig{
			Address:         cfg.PeerAddr,
			Token:           cfg.PeerToken,
			CallbackBase:    cfg.CallbackBase,
			Timers:          timers,
			MaxAttempts:     cfg.PeerMaxAttempts,
			BreakerFailures: cfg.PeerBreakerFails,
			RateLimit:       cfg.PeerRateLimit,
			RateBurst:       cfg.PeerRateBurst,
			CAFile:          cfg.PeerCAFile,
		})
		if err != nil {
			return nil, err
		}
		peer = client
	}

	logger := log.Logger.With().Str("smf", cfg.Name).Logger()
	registry := pdu.NewRegistry(cfg.RegistryShards)
	correlator := xact.New(registry, xact.Options{
		PoolSize: cfg.StreamPoolSize,
		Policy:   cfg.PendingPolicy,
		Shards:   cfg.RegistryShards,
	})
	builder := ngap.NewBuilder(cfg.Qos)
	return &Service{
		cfg:        cfg,
		timers:     timers,
		registry:   registry,
		correlator: correlator,
		builder:    builder,
		machine:    procedure.NewMachine(registry, correlator, builder, logger),
		dispatcher: dispatch.New(cfg.DispatchWorkers),
		scheduler:  timer.NewScheduler(),
		peer:       peer,
		log:        logger,
	}, nil
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Timers() timer.Policy {
	return s.timers
}

func (s *Service) Session(id pdu.SessionID) (pdu.Session, bool) {
	return s.registry.Find(id)
}

func (s *Service) Sessions() []pdu.Session {
	return s.registry.List()
}

// Pending is the number of outstanding pending transactions.
func (s *Service) Pending() int {
	return s.correlator.Pending()
}

// Establish creates a session and runs its establishment transfer. The
// caller's stream is answered once the procedure settles.
func (s *Service) Establish(ctx context.Context, owner string, psi uint8, stream xact.Stream) (pdu.Session, error) {
	if psi < MinPSI || psi > MaxPSI {
		return pdu.Session{}, fmt.Errorf("%w: psi %d out of range", procedure.ErrProtocolViolation, psi)
	}
	sess, err := s.registry.Create(owner, psi)
	if err != nil {
		return pdu.Session{}, err
	}
	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("owner", sess.Label()).
		Msg("pdu session establishing")
	s.runTransfer(ctx, sess.ID, pdu.StateEstablishing, stream)
	return sess, nil
}

func isTriggerState(state pdu.State) bool {
	switch state {
	case pdu.StateNetworkTriggeredServiceRequest,
		pdu.StateQosFlowModification,
		pdu.StateReleaseOrErrorIndication:
		return true
	default:
		return false
	}
}

// Trigger moves the session into state and runs the transfer that state
// starts with.
func (s *Service) Trigger(ctx context.Context, id pdu.SessionID, state pdu.State, stream xact.Stream) error {
	if !isTriggerState(state) {
		return fmt.Errorf("%w: %s is not an owner trigger", pdu.ErrInvalidState, state)
	}
	err := s.dispatcher.Do(ctx, uint64(id), "trigger", func(context.Context) error {
		sess, ok := s.registry.Find(id)
		if !ok {
			return fmt.Errorf("%w: %s", sbi.ErrSessionNotFound, id)
		}
		if sess.State == pdu.StateReleased {
			return fmt.Errorf("%w: session %s already released", pdu.ErrInvalidState, id)
		}
		_, err := s.registry.Transition(id, state)
		return err
	})
	if err != nil {
		return unavailable(err)
	}
	s.log.Info().
		Str("session_id", id.String()).
		Str("state", state.String()).
		Msg("owner trigger")
	s.runTransfer(ctx, id, state, stream)
	return nil
}

type outbound struct {
	state         pdu.State
	n2Type        ngap.ContainerType
	n2            []byte
	failureNotify bool
}

func (s *Service) initial(sess pdu.Session, state pdu.State) (outbound, error) {
	out := outbound{state: state}
	var err error
	switch state {
	case pdu.StateEstablishing:
		out.n2Type = ngap.ContainerResourceSetupRequest
		out.n2, err = s.builder.ResourceSetupRequestTransfer(sess)
	case pdu.StateNetworkTriggeredServiceRequest:
		out.n2Type = ngap.ContainerResourceSetupRequest
		out.n2, err = s.builder.ResourceSetupRequestTransfer(sess)
		out.failureNotify = true
	case pdu.StateQosFlowModification:
		out.n2Type = ngap.ContainerResourceModifyRequest
		out.n2, err = s.builder.QosFlowBinding(sess)
	case pdu.StateReleaseOrErrorIndication:
		out.n2Type = ngap.ContainerResourceReleaseCommand
		out.n2, err = s.builder.ResourceReleaseCommandTransfer(sess, "")
	default:
		err = fmt.Errorf("%w: no transfer starts in %s", pdu.ErrInvalidState, state)
	}
	return out, err
}

func followUpOutbound(f *procedure.FollowUp) outbound {
	ct := ngap.ContainerResourceSetupRequest
	if f.Kind == procedure.FollowUpQosFlowBinding {
		ct = ngap.ContainerResourceModifyRequest
	}
	return outbound{
		state:         f.ReenterState,
		n2Type:        ct,
		n2:            f.Payload,
		failureNotify: f.FailureNotifyRequested,
	}
}

// runTransfer issues the transfer for state and feeds every answer through
// the machine until no follow-up is requested. stream travels with each hop.
func (s *Service) runTransfer(ctx context.Context, id pdu.SessionID, state pdu.State, stream xact.Stream) {
	sess, ok := s.registry.Find(id)
	if !ok {
		s.replyProblem(stream, http.StatusNotFound, "session not found")
		return
	}
	out, err := s.initial(sess, state)
	if err != nil {
		s.replyProblem(stream, http.StatusInternalServerError, err.Error())
		return
	}
	// The peer's answer must reach the session even if the caller leaves.
	laneCtx := context.WithoutCancel(ctx)

	for hop := 0; ; hop++ {
		sess, ok := s.registry.Find(id)
		if !ok {
			s.replyProblem(stream, http.StatusGone, "session abandoned")
			return
		}
		rsp, err := s.peer.Transfer(ctx, sbi.TransferRequest{
			SessionID:     id,
			Owner:         sess.OwnerID,
			PSI:           sess.PSI,
			State:         out.state,
			N2Type:        out.n2Type.String(),
			N2:            out.n2,
			FailureNotify: out.failureNotify,
		})
		if err != nil {
			s.log.Error().
				Str("session_id", id.String()).
				Str("owner", sess.Label()).
				Str("state", out.state.String()).
				Err(err).
				Msg("n1n2 transfer not answered")
			s.replyProblem(stream, http.StatusGatewayTimeout, err.Error())
			return
		}

		var (
			act  procedure.Action
			herr error
		)
		err = s.dispatcher.Do(laneCtx, uint64(id), "transfer_response", func(context.Context) error {
			act, herr = s.machine.HandleResponse(procedure.TransferResponse{
				SessionID: id,
				State:     out.state,
				Stream:    stream,
				Response:  rsp,
			})
			return nil
		})
		if err != nil {
			s.replyProblem(stream, http.StatusServiceUnavailable, err.Error())
			return
		}

		next := s.execute(act, herr, stream)
		if next == nil {
			return
		}
		if hop >= s.cfg.MaxFollowUps {
			s.log.Error().
				Str("session_id", id.String()).
				Int("hops", hop+1).
				Msg("follow-up limit reached")
			s.replyProblem(stream, http.StatusLoopDetected, "follow-up limit reached")
			return
		}
		s.log.Info().
			Str("session_id", id.String()).
			Str("follow_up", next.Kind.String()).
			Str("state", next.ReenterState.String()).
			Bool("failure_notify", next.FailureNotifyRequested).
			Msg("n1n2 follow-up transfer")
		out = followUpOutbound(next)
	}
}

// execute performs act. It returns the follow-up to send, if any. stream is
// the caller the triggering event arrived with and may be nil.
func (s *Service) execute(act procedure.Action, err error, stream xact.Stream) *procedure.FollowUp {
	if err != nil && !procedure.IsFatal(err) {
		s.log.Debug().
			Str("session_id", act.SessionID.String()).
			Str("kind", act.Kind.String()).
			Str("error_kind", procedure.ErrorKind(err)).
			Err(err).
			Msg("procedure outcome")
	}

	switch act.Kind {
	case procedure.KindSendFollowUp:
		return act.FollowUp

	case procedure.KindRecordPending:
		s.armExpiry(act.SessionID, act.Class, act.StreamID)
		if d := act.Displaced; d != nil {
			s.scheduler.Disarm(expiryKey(d.SessionID, d.Class, d.ID))
			s.replyProblem(d.Stream, http.StatusConflict,
				fmt.Sprintf("displaced by stream %d", act.StreamID))
		}

	case procedure.KindSendError:
		target := act.Stream
		if target == nil {
			target = stream
		}
		status := act.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		s.replyProblem(target, status, act.Detail)

	case procedure.KindSendReply:
		s.reply(act.Stream, act.Status, act.Body)

	case procedure.KindAbort:
		s.replyProblem(stream, http.StatusInternalServerError, act.Detail)
		s.onFatal(err)

	case procedure.KindNoOp:
		if err != nil {
			s.replyProblem(stream, http.StatusInternalServerError, err.Error())
			break
		}
		s.replyAccepted(stream, act.SessionID)
	}
	return nil
}

func expiryKey(id pdu.SessionID, class pdu.Class, streamID pdu.StreamID) string {
	return fmt.Sprintf("%s/%s/%d", id, class, streamID)
}

func (s *Service) armExpiry(id pdu.SessionID, class pdu.Class, streamID pdu.StreamID) {
	s.scheduler.Arm(expiryKey(id, class, streamID), s.timers.SBI.ClientWait, func() {
		s.expire(id, class, streamID)
	})
}

func (s *Service) expire(id pdu.SessionID, class pdu.Class, streamID pdu.StreamID) {
	var (
		act  procedure.Action
		herr error
	)
	err := s.dispatcher.Do(context.Background(), uint64(id), "expiry", func(context.Context) error {
		act, herr = s.machine.HandleExpiry(id, class, streamID)
		s.reap(id)
		return nil
	})
	if err != nil {
		s.log.Debug().Str("session_id", id.String()).Err(err).Msg("expiry dropped")
		return
	}
	s.execute(act, herr, nil)
}

// Complete forwards the final outcome of a pending transaction to the
// caller waiting on it. A successful release completion moves the session
// to Released, and it is destroyed once both slots are clear.
func (s *Service) Complete(ctx context.Context, id pdu.StreamID, status int, body []byte) error {
	b, ok := s.correlator.Resolve(id)
	if !ok {
		return fmt.Errorf("%w: stream %d", procedure.ErrUnknownCorrelation, id)
	}
	var act procedure.Action
	err := s.dispatcher.Do(ctx, uint64(b.SessionID), "completion", func(context.Context) error {
		var herr error
		act, herr = s.machine.HandleCompletion(id, status, body)
		if herr != nil {
			return herr
		}
		if act.Class == pdu.ClassRelease && status < http.StatusMultipleChoices {
			if _, err := s.registry.Transition(act.SessionID, pdu.StateReleased); err != nil {
				s.log.Warn().Str("session_id", act.SessionID.String()).Err(err).Msg("release not recorded")
			}
		}
		s.reap(act.SessionID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	s.scheduler.Disarm(expiryKey(act.SessionID, act.Class, act.StreamID))
	s.execute(act, nil, nil)
	return nil
}

// reap destroys a Released session whose slots have both cleared. It runs
// on the session's lane.
func (s *Service) reap(id pdu.SessionID) {
	sess, ok := s.registry.Find(id)
	if !ok || sess.State != pdu.StateReleased || !sess.Idle() {
		return
	}
	if err := s.registry.Destroy(id); err != nil {
		s.log.Warn().Str("session_id", id.String()).Err(err).Msg("released session not destroyed")
		return
	}
	s.log.Info().Str("session_id", id.String()).Str("owner", sess.Label()).Msg("pdu session released")
}

// NotifyFailure handles the peer's deferred failure report on the lane of
// the session its locator names.
func (s *Service) NotifyFailure(ctx context.Context, n procedure.FailureNotification) (procedure.Action, error) {
	var key uint64
	if sess, ok := s.registry.FindByLocator(n.Locator); ok {
		key = uint64(sess.ID)
	}
	var (
		act  procedure.Action
		herr error
	)
	err := s.dispatcher.Do(ctx, key, "failure_notify", func(context.Context) error {
		act, herr = s.machine.HandleFailureNotification(n)
		return nil
	})
	if err != nil {
		return procedure.Action{}, unavailable(err)
	}
	return act, herr
}

// Abandon drops a session regardless of where its procedure stands. Every
// waiting caller is told the session is gone.
func (s *Service) Abandon(ctx context.Context, id pdu.SessionID) error {
	var cleared []xact.Binding
	err := s.dispatcher.Do(ctx, uint64(id), "abandon", func(context.Context) error {
		if _, ok := s.registry.Find(id); !ok {
			return fmt.Errorf("%w: %s", sbi.ErrSessionNotFound, id)
		}
		var err error
		cleared, err = s.correlator.ClearAll(id)
		if err != nil {
			return err
		}
		if _, err := s.registry.Transition(id, pdu.StateReleased); err != nil {
			return err
		}
		return s.registry.Destroy(id)
	})
	for _, b := range cleared {
		s.scheduler.Disarm(expiryKey(id, b.Class, b.ID))
		s.replyProblem(b.Stream, http.StatusGone, "session abandoned")
	}
	if err != nil {
		return unavailable(err)
	}
	s.log.Info().Str("session_id", id.String()).Int("cleared", len(cleared)).Msg("pdu session abandoned")
	return nil
}

func (s *Service) reply(stream xact.Stream, status int, body []byte) {
	if stream == nil {
		return
	}
	if err := stream.Reply(status, body); err != nil {
		s.log.Debug().Int("status", status).Err(err).Msg("reply dropped")
	}
}

func (s *Service) replyProblem(stream xact.Stream, status int, detail string) {
	if stream == nil {
		return
	}
	s.reply(stream, status, sbi.NewProblem(status, detail).Encode())
}

func (s *Service) replyAccepted(stream xact.Stream, id pdu.SessionID) {
	if stream == nil {
		return
	}
	sess, ok := s.registry.Find(id)
	if !ok {
		s.reply(stream, http.StatusAccepted, nil)
		return
	}
	body, err := json.Marshal(sbi.ViewOf(sess))
	if err != nil {
		body = nil
	}
	s.reply(stream, http.StatusAccepted, body)
}

func (s *Service) onFatal(err error) {
	if !s.cfg.FatalUnimplemented {
		return
	}
	s.mu.Lock()
	stop := s.stopRun
	s.mu.Unlock()
	s.log.Error().Err(err).Msg("stopping on unimplemented cause")
	if stop != nil {
		stop(err)
	}
}

func unavailable(err error) error {
	if errors.Is(err, dispatch.ErrStopped) {
		return fmt.Errorf("%w: %v", sbi.ErrUnavailable, err)
	}
	return err
}

// HTTPServer builds the SBI server backed by s.
func (s *Service) HTTPServer() *sbi.Server {
	return sbi.NewServer(sbi.ServerConfig{
		Name:        s.cfg.Name,
		Addr:        s.cfg.Addr,
		CORSOrigins: s.cfg.CORSOrigins,
		Validator: auth.Any(
			auth.FromConfig(s.cfg.AuthToken),
			auth.JWTFromConfig(s.cfg.AuthJWTSecret, s.cfg.AuthJWTAudience),
		),
	}, s)
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext serves until ctx ends. With FatalUnimplemented set, an
// unimplemented peer cause ends the run and is returned.
func (s *Service) RunContext(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.stopRun = cancel
	s.mu.Unlock()
	defer s.Close()

	observability.InitTracing(s.cfg.Name)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := observability.ShutdownTracing(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	server := s.HTTPServer()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})

	s.log.Info().
		Str("addr", s.cfg.Addr).
		Str("peer", s.cfg.PeerAddr).
		Str("pending_policy", string(s.cfg.PendingPolicy)).
		Dur("message_duration", s.timers.MessageDuration).
		Msg("smf ready")

	err := g.Wait()
	if cause := context.Cause(runCtx); procedure.IsFatal(cause) {
		return cause
	}
	if err != nil {
		return err
	}
	s.log.Info().Msg("smf shutdown")
	return nil
}

func (s *Service) heartbeat(ctx context.Context) {
	if s.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.log.Info().
				Int("sessions", s.registry.Len()).
				Int("pending", s.correlator.Pending()).
				Int("timers", s.scheduler.Pending()).
				Msg("smf heartbeat")
		}
	}
}

// Close stops timers and the dispatcher. Later calls fail with
// sbi.ErrUnavailable.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.scheduler.Stop()
		s.dispatcher.Stop()
	})
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
