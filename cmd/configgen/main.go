package main

import (
	"flag"

	"github.com/danmuck/smfctl/internal/config"
	"github.com/danmuck/smfctl/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/smfctl/config.toml"

func main() {
	kind := flag.String("kind", config.KindSMF, "config kind: smf|lab")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("load config")
		}
		if err := config.ServiceConfig(cfg).Validate(); err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("invalid config")
		}
		log.Info().Str("path", *input).Msg("validated smf config")
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", *output).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", *output).Msg("wrote config template")
}
