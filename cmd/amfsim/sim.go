package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/smfctl/internal/ngap"
	"github.com/danmuck/smfctl/internal/procedure"
	"github.com/danmuck/smfctl/internal/sbi"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const transferPath = "/namf-comm/v1/ue-contexts/:owner/n1-n2-messages"

// answer is the scripted reply for one container type.
type answer struct {
	Status int
	Cause  procedure.Cause
}

// parseAnswer reads "status" or "status:CAUSE".
func parseAnswer(raw string) (answer, error) {
	statusPart, causePart, _ := strings.Cut(strings.TrimSpace(raw), ":")
	status, err := strconv.Atoi(strings.TrimSpace(statusPart))
	if err != nil || status < 100 || status > 599 {
		return answer{}, fmt.Errorf("invalid status in %q", raw)
	}
	a := answer{Status: status}
	if strings.TrimSpace(causePart) != "" {
		cause, ok := procedure.ParseCause(causePart)
		if !ok {
			return answer{}, fmt.Errorf("unknown cause in %q", raw)
		}
		a.Cause = cause
	}
	return a, nil
}

type simConfig struct {
	Setup   answer
	Modify  answer
	Release answer

	// Resend answers setup transfers that ask for failure notification.
	Resend answer

	CORSOrigins  []string
	LocatorBase  string
	NotifyCause  string
	NotifyAfter  time.Duration
	NotifyToken  string
	NotifyClient *http.Client
}

type transferRequest struct {
	PSI              uint8  `json:"pduSessionId"`
	SMFSessionRef    string `json:"smfSessionRef"`
	N2SmInfoType     string `json:"n2SmInfoType"`
	N2SmInfo         []byte `json:"n2SmInfo"`
	FailureNotifyURI string `json:"n1n2FailureTxfNotifURI"`
}

type transferRecord struct {
	Owner     string
	Container ngap.Container
	Locator   string
}

// simulator answers N1N2 message transfers the way a scripted AMF would.
type simulator struct {
	cfg    simConfig
	router *gin.Engine

	mu      sync.Mutex
	records []transferRecord
	notify  sync.WaitGroup
}

func newSimulator(cfg simConfig) *simulator {
	if cfg.NotifyClient == nil {
		cfg.NotifyClient = &http.Client{Timeout: 5 * time.Second}
	}
	cfg.LocatorBase = strings.TrimRight(cfg.LocatorBase, "/")
	r := gin.New()
	r.Use(gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	s := &simulator{cfg: cfg, router: r}
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "amfsim", "transfers": len(s.transfers())})
	})
	r.POST(transferPath, s.transfer)
	return s
}

func (s *simulator) transfers() []transferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transferRecord(nil), s.records...)
}

func (s *simulator) answerFor(ct ngap.ContainerType, notify bool) answer {
	switch ct {
	case ngap.ContainerResourceSetupRequest:
		if notify && s.cfg.Resend.Status != 0 {
			return s.cfg.Resend
		}
		return s.cfg.Setup
	case ngap.ContainerResourceModifyRequest:
		return s.cfg.Modify
	case ngap.ContainerResourceReleaseCommand:
		return s.cfg.Release
	default:
		return s.cfg.Setup
	}
}

func (s *simulator) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Data(http.StatusBadRequest, sbi.ProblemContentType, sbi.NewProblem(http.StatusBadRequest, err.Error()).Encode())
		return
	}
	container, err := ngap.Decode(req.N2SmInfo)
	if err != nil {
		c.Data(http.StatusBadRequest, sbi.ProblemContentType, sbi.NewProblem(http.StatusBadRequest, err.Error()).Encode())
		return
	}

	a := s.answerFor(container.Type, req.FailureNotifyURI != "")
	rec := transferRecord{Owner: c.Param("owner"), Container: container}
	if a.Status == http.StatusAccepted {
		rec.Locator = s.cfg.LocatorBase + "/n1n2/" + uuid.NewString()
		c.Header("Location", rec.Locator)
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	log.Info().
		Str("owner", rec.Owner).
		Str("smf_ref", req.SMFSessionRef).
		Str("container", container.Type.String()).
		Uint8("psi", container.PSI).
		Int("status", a.Status).
		Str("cause", a.Cause.String()).
		Str("locator", rec.Locator).
		Msg("n1n2 transfer")

	if rec.Locator != "" && req.FailureNotifyURI != "" && s.cfg.NotifyCause != "" {
		s.notify.Add(1)
		go s.notifyFailure(req.FailureNotifyURI, rec.Locator)
	}

	if a.Cause == procedure.CauseNone {
		c.Status(a.Status)
		return
	}
	c.JSON(a.Status, gin.H{"cause": a.Cause.String()})
}

func (s *simulator) notifyFailure(uri, locator string) {
	defer s.notify.Done()
	if s.cfg.NotifyAfter > 0 {
		time.Sleep(s.cfg.NotifyAfter)
	}
	body, _ := json.Marshal(map[string]string{"cause": s.cfg.NotifyCause, "n1n2MsgDataUri": locator})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("failure notify request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.NotifyToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.NotifyToken)
	}
	rsp, err := s.cfg.NotifyClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("failure notify not delivered")
		return
	}
	rsp.Body.Close()
	log.Info().Str("locator", locator).Int("status", rsp.StatusCode).Msg("failure notified")
}

// wait blocks until every scheduled notification has been sent.
func (s *simulator) wait() {
	s.notify.Wait()
}
