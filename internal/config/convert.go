package config

import (
	"time"

	"github.com/danmuck/smfctl/internal/dispatch"
	"github.com/danmuck/smfctl/internal/ngap"
	"github.com/danmuck/smfctl/internal/pdu"
	"github.com/danmuck/smfctl/internal/sbi"
	"github.com/danmuck/smfctl/internal/smf"
	"github.com/danmuck/smfctl/internal/timer"
	"github.com/danmuck/smfctl/internal/xact"
)

// Default mirrors smf.DefaultServiceConfig in file form.
func Default() Config {
	qos := ngap.DefaultQosProfile()
	return Config{
		Name:              "smf.local",
		Addr:              ":7777",
		PeerAddr:          "http://127.0.0.1:7778",
		CallbackBase:      "http://127.0.0.1:7777",
		CorsOrigins:       []string{},
		MessageDurationMS: timer.DefaultMessageDuration.Milliseconds(),
		StreamPoolSize:    xact.DefaultPoolSize,
		PendingPolicy:     string(xact.PolicyReject),
		DispatchWorkers:   dispatch.DefaultWorkers,
		RegistryShards:    pdu.DefaultShards,
		PeerMaxAttempts:   sbi.DefaultMaxAttempts,
		PeerBreakerFails:  sbi.DefaultBreakerFailures,
		MaxFollowUps:      4,
		HeartbeatMS:       30_000,
		Qos: QosConfig{
			QFI:         qos.QFI,
			FiveQI:      qos.FiveQI,
			ARPPriority: qos.ARPPriority,
		},
	}
}

// ServiceConfig converts a validated file config for smf.NewService.
func ServiceConfig(cfg Config) smf.ServiceConfig {
	policy, err := xact.ParsePolicy(cfg.PendingPolicy)
	if err != nil {
		policy = xact.PolicyReject
	}
	return smf.ServiceConfig{
		Name:               cfg.Name,
		Addr:               cfg.Addr,
		PeerAddr:           cfg.PeerAddr,
		PeerToken:          cfg.PeerToken,
		PeerCAFile:         cfg.PeerCAFile,
		PeerRateLimit:      cfg.PeerRateLimit,
		PeerRateBurst:      cfg.PeerRateBurst,
		PeerBreakerFails:   cfg.PeerBreakerFails,
		AuthToken:          cfg.AuthToken,
		AuthJWTSecret:      cfg.AuthJWTSecret,
		AuthJWTAudience:    cfg.AuthJWTAudience,
		CallbackBase:       cfg.CallbackBase,
		CORSOrigins:        append([]string(nil), cfg.CorsOrigins...),
		MessageDuration:    time.Duration(cfg.MessageDurationMS) * time.Millisecond,
		StreamPoolSize:     cfg.StreamPoolSize,
		PendingPolicy:      policy,
		DispatchWorkers:    cfg.DispatchWorkers,
		RegistryShards:     cfg.RegistryShards,
		PeerMaxAttempts:    cfg.PeerMaxAttempts,
		MaxFollowUps:       cfg.MaxFollowUps,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		FatalUnimplemented: cfg.FatalUnimplemented,
		Qos: ngap.QosProfile{
			QFI:         cfg.Qos.QFI,
			FiveQI:      cfg.Qos.FiveQI,
			ARPPriority: cfg.Qos.ARPPriority,
		},
	}
}
