package smf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/smfctl/internal/dispatch"
	"github.com/danmuck/smfctl/internal/ngap"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/sbi"
	"github.com/danmuck/smfctl/internal/timer"
	"github.com/danmuck/smfctl/internal/xact"
)

var (
	ErrInvalidName             = errors.New("smf: name required")
	ErrInvalidHeartbeat        = errors.New("smf: invalid heartbeat interval")
	ErrInvalidFollowUpLimit    = errors.New("smf: invalid follow-up limit")
	ErrInvalidPendingPolicy    = errors.New("smf: invalid pending policy")
	ErrInvalidStreamPoolSize   = errors.New("smf: invalid stream pool size")
	ErrInvalidDispatchWorkers  = errors.New("smf: invalid dispatch workers")
	ErrInvalidRegistryShards   = errors.New("smf: invalid registry shards")
	ErrPeerAddressNotSupported = errors.New("smf: peer address must be http(s)")
	ErrInvalidPeerRate         = errors.New("smf: invalid peer rate limit")
)

// ServiceConfig configures the SMF runtime.
type ServiceConfig struct {
	Name               string
	Addr               string
	PeerAddr           string
	PeerToken          string
	PeerCAFile         string
	PeerRateLimit      float64
	PeerRateBurst      int
	PeerBreakerFails   uint32
	AuthToken          string
	AuthJWTSecret      string
	AuthJWTAudience    string
	CallbackBase       string
	CORSOrigins        []string
	MessageDuration    time.Duration
	StreamPoolSize     int
	PendingPolicy      xact.Policy
	DispatchWorkers    int
	RegistryShards     int
	PeerMaxAttempts    int
	MaxFollowUps       int
	HeartbeatInterval  time.Duration
	FatalUnimplemented bool
	Qos                ngap.QosProfile
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:              "smf.local",
		Addr:              ":7777",
		PeerAddr:          "http://127.0.0.1:7778",
		CallbackBase:      "http://127.0.0.1:7777",
		MessageDuration:   timer.DefaultMessageDuration,
		StreamPoolSize:    xact.DefaultPoolSize,
		PendingPolicy:     xact.PolicyReject,
		DispatchWorkers:   dispatch.DefaultWorkers,
		RegistryShards:    pdu.DefaultShards,
		PeerMaxAttempts:   sbi.DefaultMaxAttempts,
		PeerBreakerFails:  sbi.DefaultBreakerFailures,
		MaxFollowUps:      4,
		HeartbeatInterval: 30 * time.Second,
		Qos:               ngap.DefaultQosProfile(),
	}
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrInvalidName
	}
	if _, err := timer.Derive(c.MessageDuration); err != nil {
		return err
	}
	if c.StreamPoolSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStreamPoolSize, c.StreamPoolSize)
	}
	if _, err := xact.ParsePolicy(string(c.PendingPolicy)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPendingPolicy, c.PendingPolicy)
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDispatchWorkers, c.DispatchWorkers)
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRegistryShards, c.RegistryShards)
	}
	if c.PeerRateLimit < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPeerRate, c.PeerRateLimit)
	}
	if c.MaxFollowUps < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFollowUpLimit, c.MaxFollowUps)
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidHeartbeat, c.HeartbeatInterval)
	}
	peer := strings.TrimSpace(c.PeerAddr)
	if peer != "" && !strings.HasPrefix(peer, "http://") && !strings.HasPrefix(peer, "https://") {
		return fmt.Errorf("%w: %q", ErrPeerAddressNotSupported, peer)
	}
	return nil
}
