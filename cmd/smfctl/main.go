package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/smfctl/internal/logging"
	"github.com/danmuck/smfctl/internal/observability"
	"github.com/danmuck/smfctl/internal/smf"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "cmd/smfctl/config.toml"

func main() {
	path := flag.String("config", defaultConfigPath, "service config path")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadServiceConfig(*path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && *path == defaultConfigPath:
		log.Warn().Str("path", *path).Msg("no config file, using defaults")
		cfg = smf.DefaultServiceConfig()
	case err != nil:
		fmt.Fprintf(os.Stderr, "smfctl: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger("smfctl", cfg.Name)
	svc, err := smf.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smfctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "smfctl: %v\n", err)
		os.Exit(1)
	}
}
