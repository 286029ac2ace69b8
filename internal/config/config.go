package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/smfctl/internal/xact"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the on-disk shape of an smfctl service config.
type Config struct {
	Name               string    `toml:"name"`
	Addr               string    `toml:"addr"`
	PeerAddr           string    `toml:"peer_addr"`
	PeerToken          string    `toml:"peer_token,omitempty"`
	PeerCAFile         string    `toml:"peer_ca_file,omitempty"`
	PeerRateLimit      float64   `toml:"peer_rate_limit"`
	PeerRateBurst      int       `toml:"peer_rate_burst"`
	PeerBreakerFails   uint32    `toml:"peer_breaker_failures"`
	AuthToken          string    `toml:"auth_token,omitempty"`
	AuthJWTSecret      string    `toml:"auth_jwt_secret,omitempty"`
	AuthJWTAudience    string    `toml:"auth_jwt_audience,omitempty"`
	CallbackBase       string    `toml:"callback_base"`
	CorsOrigins        []string  `toml:"cors_origins"`
	MessageDurationMS  int64     `toml:"message_duration_ms"`
	StreamPoolSize     int       `toml:"stream_pool_size"`
	PendingPolicy      string    `toml:"pending_policy"`
	DispatchWorkers    int       `toml:"dispatch_workers"`
	RegistryShards     int       `toml:"registry_shards"`
	PeerMaxAttempts    int       `toml:"peer_max_attempts"`
	MaxFollowUps       int       `toml:"max_follow_ups"`
	HeartbeatMS        int64     `toml:"heartbeat_interval_ms"`
	FatalUnimplemented bool      `toml:"fatal_unimplemented"`
	Qos                QosConfig `toml:"qos"`
}

type QosConfig struct {
	QFI         uint8 `toml:"qfi"`
	FiveQI      uint8 `toml:"five_qi"`
	ARPPriority uint8 `toml:"arp_priority"`
}

// Load reads path and fills unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw TOML over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	peer := strings.TrimSpace(cfg.PeerAddr)
	if peer == "" {
		return fmt.Errorf("%w: missing peer_addr", ErrInvalidConfig)
	}
	if !strings.HasPrefix(peer, "http://") && !strings.HasPrefix(peer, "https://") {
		return fmt.Errorf("%w: peer_addr must be http(s): %q", ErrInvalidConfig, peer)
	}
	if cfg.MessageDurationMS <= 0 {
		return fmt.Errorf("%w: message_duration_ms must be positive", ErrInvalidConfig)
	}
	if cfg.StreamPoolSize <= 0 {
		return fmt.Errorf("%w: stream_pool_size must be positive", ErrInvalidConfig)
	}
	if _, err := xact.ParsePolicy(cfg.PendingPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.DispatchWorkers <= 0 {
		return fmt.Errorf("%w: dispatch_workers must be positive", ErrInvalidConfig)
	}
	if cfg.RegistryShards <= 0 {
		return fmt.Errorf("%w: registry_shards must be positive", ErrInvalidConfig)
	}
	if cfg.PeerRateLimit < 0 {
		return fmt.Errorf("%w: peer_rate_limit must not be negative", ErrInvalidConfig)
	}
	if cfg.MaxFollowUps < 0 {
		return fmt.Errorf("%w: max_follow_ups must not be negative", ErrInvalidConfig)
	}
	if cfg.HeartbeatMS < 0 {
		return fmt.Errorf("%w: heartbeat_interval_ms must not be negative", ErrInvalidConfig)
	}
	if cfg.Qos.QFI == 0 || cfg.Qos.QFI > 63 {
		return fmt.Errorf("%w: qos.qfi out of range: %d", ErrInvalidConfig, cfg.Qos.QFI)
	}
	if cfg.Qos.ARPPriority == 0 || cfg.Qos.ARPPriority > 15 {
		return fmt.Errorf("%w: qos.arp_priority out of range: %d", ErrInvalidConfig, cfg.Qos.ARPPriority)
	}
	return nil
}
