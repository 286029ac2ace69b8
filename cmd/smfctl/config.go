package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/smfctl/internal/smf"
	"github.com/danmuck/smfctl/internal/xact"
)

type fileConfig struct {
	Name               string   `toml:"name"`
	Addr               string   `toml:"addr"`
	PeerAddr           string   `toml:"peer_addr"`
	PeerToken          string   `toml:"peer_token"`
	PeerCAFile         string   `toml:"peer_ca_file"`
	PeerRateLimit      float64  `toml:"peer_rate_limit"`
	PeerRateBurst      int      `toml:"peer_rate_burst"`
	PeerBreakerFails   uint32   `toml:"peer_breaker_failures"`
	AuthToken          string   `toml:"auth_token"`
	AuthJWTSecret      string   `toml:"auth_jwt_secret"`
	AuthJWTAudience    string   `toml:"auth_jwt_audience"`
	CallbackBase       string   `toml:"callback_base"`
	CorsOrigins        []string `toml:"cors_origins"`
	MessageDuration    string   `toml:"message_duration"`
	MessageDurationMS  int64    `toml:"message_duration_ms"`
	StreamPoolSize     int      `toml:"stream_pool_size"`
	PendingPolicy      string   `toml:"pending_policy"`
	DispatchWorkers    int      `toml:"dispatch_workers"`
	RegistryShards     int      `toml:"registry_shards"`
	PeerMaxAttempts    int      `toml:"peer_max_attempts"`
	MaxFollowUps       int      `toml:"max_follow_ups"`
	HeartbeatInterval  string   `toml:"heartbeat_interval"`
	HeartbeatMS        int64    `toml:"heartbeat_interval_ms"`
	FatalUnimplemented bool     `toml:"fatal_unimplemented"`
	Qos                struct {
		QFI         uint8 `toml:"qfi"`
		FiveQI      uint8 `toml:"five_qi"`
		ARPPriority uint8 `toml:"arp_priority"`
	} `toml:"qos"`
}

func loadServiceConfig(path string) (smf.ServiceConfig, error) {
	cfg := smf.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return smf.ServiceConfig{}, fmt.Errorf("load smf config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("peer_addr") {
		cfg.PeerAddr = strings.TrimSpace(raw.PeerAddr)
	}
	if meta.IsDefined("peer_token") {
		cfg.PeerToken = strings.TrimSpace(raw.PeerToken)
	}
	if meta.IsDefined("peer_ca_file") {
		cfg.PeerCAFile = strings.TrimSpace(raw.PeerCAFile)
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("auth_jwt_secret") {
		cfg.AuthJWTSecret = strings.TrimSpace(raw.AuthJWTSecret)
	}
	if meta.IsDefined("auth_jwt_audience") {
		cfg.AuthJWTAudience = strings.TrimSpace(raw.AuthJWTAudience)
	}
	if meta.IsDefined("callback_base") {
		cfg.CallbackBase = strings.TrimSpace(raw.CallbackBase)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CorsOrigins)
	}

	if meta.IsDefined("message_duration") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MessageDuration))
		if err != nil {
			return smf.ServiceConfig{}, fmt.Errorf("parse message_duration: %w", err)
		}
		cfg.MessageDuration = d
	}
	if meta.IsDefined("message_duration_ms") {
		cfg.MessageDuration = time.Duration(raw.MessageDurationMS) * time.Millisecond
	}

	if meta.IsDefined("stream_pool_size") {
		cfg.StreamPoolSize = raw.StreamPoolSize
	}
	if meta.IsDefined("pending_policy") {
		policy, err := xact.ParsePolicy(raw.PendingPolicy)
		if err != nil {
			return smf.ServiceConfig{}, fmt.Errorf("parse pending_policy: %w", err)
		}
		cfg.PendingPolicy = policy
	}
	if meta.IsDefined("dispatch_workers") {
		cfg.DispatchWorkers = raw.DispatchWorkers
	}
	if meta.IsDefined("registry_shards") {
		cfg.RegistryShards = raw.RegistryShards
	}
	if meta.IsDefined("peer_max_attempts") {
		cfg.PeerMaxAttempts = raw.PeerMaxAttempts
	}
	if meta.IsDefined("peer_rate_limit") {
		cfg.PeerRateLimit = raw.PeerRateLimit
	}
	if meta.IsDefined("peer_rate_burst") {
		cfg.PeerRateBurst = raw.PeerRateBurst
	}
	if meta.IsDefined("peer_breaker_failures") {
		cfg.PeerBreakerFails = raw.PeerBreakerFails
	}
	if meta.IsDefined("max_follow_ups") {
		cfg.MaxFollowUps = raw.MaxFollowUps
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return smf.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatMS) * time.Millisecond
	}

	if meta.IsDefined("fatal_unimplemented") {
		cfg.FatalUnimplemented = raw.FatalUnimplemented
	}

	if meta.IsDefined("qos", "qfi") {
		cfg.Qos.QFI = raw.Qos.QFI
	}
	if meta.IsDefined("qos", "five_qi") {
		cfg.Qos.FiveQI = raw.Qos.FiveQI
	}
	if meta.IsDefined("qos", "arp_priority") {
		cfg.Qos.ARPPriority = raw.Qos.ARPPriority
	}

	if err := cfg.Validate(); err != nil {
		return smf.ServiceConfig{}, fmt.Errorf("smf config %s: %w", path, err)
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
