package sbi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/smfctl/internal/auth"
	"github.com/danmuck/smfctl/internal/observability"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/procedure"
	"github.com/danmuck/smfctl/internal/xact"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	SessionsPath     = "/nsmf-pdusession/v1/sessions"
	TransactionsPath = "/nsmf-pdusession/v1/transactions"
)

var (
	// ErrSessionNotFound is what a Backend returns for an unknown session id.
	ErrSessionNotFound = errors.New("sbi: session not found")
	// ErrUnavailable is what a Backend returns while shutting down.
	ErrUnavailable = errors.New("sbi: service unavailable")
)

// Backend is the session owner behind the HTTP surface.
type Backend interface {
	// Establish creates a session and runs its establishment transfer.
	// stream is answered when the procedure settles.
	Establish(ctx context.Context, owner string, psi uint8, stream xact.Stream) (pdu.Session, error)
	// Trigger moves a session into state and runs the matching transfer.
	Trigger(ctx context.Context, id pdu.SessionID, state pdu.State, stream xact.Stream) error
	Abandon(ctx context.Context, id pdu.SessionID) error
	Complete(ctx context.Context, id pdu.StreamID, status int, body []byte) error
	NotifyFailure(ctx context.Context, n procedure.FailureNotification) (procedure.Action, error)
	Session(id pdu.SessionID) (pdu.Session, bool)
	Sessions() []pdu.Session
}

type ServerConfig struct {
	Name        string
	Addr        string
	CORSOrigins []string
	Validator   auth.Validator
}

// Server is the gin router exposing Backend.
type Server struct {
	cfg     ServerConfig
	backend Backend
	router  *gin.Engine
	started time.Time
	http    *http.Server
}

func NewServer(cfg ServerConfig, backend Backend) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		backend: backend,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.started).String(),
			"smf":      s.cfg.Name,
			"sessions": len(s.backend.Sessions()),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/", auth.Middleware(s.cfg.Validator))
	api.GET(SessionsPath, s.listSessions)
	api.POST(SessionsPath, s.establish)
	api.GET(SessionsPath+"/:id", s.getSession)
	api.DELETE(SessionsPath+"/:id", s.abandon)
	api.POST(SessionsPath+"/:id/service-request", s.trigger(pdu.StateNetworkTriggeredServiceRequest))
	api.POST(SessionsPath+"/:id/qos-update", s.trigger(pdu.StateQosFlowModification))
	api.POST(SessionsPath+"/:id/release", s.trigger(pdu.StateReleaseOrErrorIndication))
	api.POST(SessionsPath+"/:id/error-indication", s.trigger(pdu.StateReleaseOrErrorIndication))
	api.POST(TransactionsPath+"/:stream/complete", s.complete)
	api.POST(FailureNotifyPath, s.failureNotify)
}

// Serve runs the HTTP server until ctx ends, then shuts it down.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("smf", s.cfg.Name).Str("addr", s.cfg.Addr).Msg("sbi server listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// SessionView is the JSON shape of a session.
type SessionView struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	PSI            uint8  `json:"psi"`
	State          string `json:"state"`
	PendingModify  uint32 `json:"pendingModify,omitempty"`
	PendingRelease uint32 `json:"pendingRelease,omitempty"`
	Locator        string `json:"n1n2MsgDataUri,omitempty"`
}

// ViewOf renders s for JSON replies.
func ViewOf(s pdu.Session) SessionView {
	return SessionView{
		ID:             s.ID.String(),
		Owner:          s.OwnerID,
		PSI:            s.PSI,
		State:          s.State.String(),
		PendingModify:  uint32(s.PendingModify),
		PendingRelease: uint32(s.PendingRelease),
		Locator:        s.CallbackLocator,
	}
}

func (s *Server) listSessions(c *gin.Context) {
	list := s.backend.Sessions()
	out := make([]SessionView, 0, len(list))
	for _, sess := range list {
		out = append(out, ViewOf(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func parseSessionID(c *gin.Context) (pdu.SessionID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		writeProblem(c, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return pdu.SessionID(id), true
}

func (s *Server) getSession(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	sess, found := s.backend.Session(id)
	if !found {
		writeProblem(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, ViewOf(sess))
}

type establishRequest struct {
	Owner string `json:"supi" binding:"required"`
	PSI   uint8  `json:"pduSessionId" binding:"required"`
}

func (s *Server) establish(c *gin.Context) {
	var req establishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, err.Error())
		return
	}
	stream := NewStream()
	sess, err := s.backend.Establish(c.Request.Context(), req.Owner, req.PSI, stream)
	if err != nil {
		writeBackendError(c, err)
		return
	}
	c.Header("Location", SessionsPath+"/"+sess.ID.String())
	s.await(c, stream)
}

func (s *Server) trigger(state pdu.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseSessionID(c)
		if !ok {
			return
		}
		stream := NewStream()
		if err := s.backend.Trigger(c.Request.Context(), id, state, stream); err != nil {
			writeBackendError(c, err)
			return
		}
		s.await(c, stream)
	}
}

// await holds the request open until its stream is answered.
func (s *Server) await(c *gin.Context, stream *Stream) {
	status, body, err := stream.Wait(c.Request.Context())
	if err != nil {
		writeProblem(c, http.StatusGatewayTimeout, err.Error())
		return
	}
	if len(body) == 0 {
		c.Status(status)
		return
	}
	contentType := "application/json"
	if status >= http.StatusBadRequest {
		contentType = ProblemContentType
	}
	c.Data(status, contentType, body)
}

func (s *Server) abandon(c *gin.Context) {
	id, ok := parseSessionID(c)
	if !ok {
		return
	}
	if err := s.backend.Abandon(c.Request.Context(), id); err != nil {
		writeBackendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type completeRequest struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) complete(c *gin.Context) {
	raw, err := strconv.ParseUint(c.Param("stream"), 10, 32)
	if err != nil || raw == 0 {
		writeProblem(c, http.StatusBadRequest, "invalid stream id")
		return
	}
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == 0 {
		req.Status = http.StatusOK
	}
	if req.Status < 100 || req.Status > 599 {
		writeProblem(c, http.StatusBadRequest, "invalid status")
		return
	}
	if err := s.backend.Complete(c.Request.Context(), pdu.StreamID(raw), req.Status, req.Payload); err != nil {
		writeBackendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type failureNotifyRequest struct {
	Cause   string `json:"cause"`
	Locator string `json:"n1n2MsgDataUri"`
}

func (s *Server) failureNotify(c *gin.Context) {
	var req failureNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, err.Error())
		return
	}
	act, err := s.backend.NotifyFailure(c.Request.Context(), procedure.FailureNotification{
		Cause:   req.Cause,
		Locator: req.Locator,
	})
	if err != nil && act.Status == 0 {
		writeBackendError(c, err)
		return
	}
	switch act.Kind {
	case procedure.KindAck:
		c.Status(http.StatusNoContent)
	case procedure.KindSendError:
		writeProblem(c, act.Status, act.Detail)
	default:
		c.Status(http.StatusNoContent)
	}
}

// writeBackendError maps the error taxonomy onto HTTP statuses.
func writeBackendError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, pdu.ErrSessionNotFound),
		errors.Is(err, procedure.ErrUnknownCorrelation):
		status = http.StatusNotFound
	case errors.Is(err, pdu.ErrInvalidOwner),
		errors.Is(err, procedure.ErrProtocolViolation):
		status = http.StatusBadRequest
	case errors.Is(err, xact.ErrAlreadyPending),
		errors.Is(err, pdu.ErrSessionBusy),
		errors.Is(err, pdu.ErrSessionNotClosed),
		errors.Is(err, pdu.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, xact.ErrPoolExhausted):
		status = http.StatusServiceUnavailable
	}
	writeProblem(c, status, strings.TrimSpace(err.Error()))
}
