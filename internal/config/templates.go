package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindSMF = "smf"
	KindLab = "lab"
)

// Template renders the config for kind. "smf" is the production default;
// "lab" shortens timers and stops on unimplemented causes.
func Template(kind string) (string, error) {
	var cfg Config
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindSMF:
		cfg = Default()
	case KindLab:
		cfg = Default()
		cfg.Name = "smf.lab"
		cfg.CorsOrigins = []string{"http://localhost:3000"}
		cfg.AuthToken = "temp-auth-key"
		cfg.MessageDurationMS = 500
		cfg.StreamPoolSize = 256
		cfg.PendingPolicy = "displace"
		cfg.DispatchWorkers = 4
		cfg.RegistryShards = 4
		cfg.HeartbeatMS = 5_000
		cfg.FatalUnimplemented = true
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(data), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
