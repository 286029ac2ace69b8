package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/smfctl/internal/auth"
	"github.com/danmuck/smfctl/internal/logging"
	"github.com/danmuck/smfctl/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	addr := flag.String("addr", ":7778", "listen address")
	setup := flag.String("setup", "200", "answer to resource setup transfers (status[:CAUSE])")
	modify := flag.String("modify", "200:N1_N2_TRANSFER_INITIATED", "answer to qos modify transfers")
	release := flag.String("release", "200:N1_N2_TRANSFER_INITIATED", "answer to release transfers")
	resend := flag.String("resend", "202:ATTEMPTING_TO_REACH_UE", "answer to setup transfers asking for failure notification")
	origins := flag.String("cors", "", "comma separated CORS origins for /health")
	locatorBase := flag.String("locator-base", "http://127.0.0.1:7778", "base of issued callback locators")
	notifyCause := flag.String("notify-cause", "", "send a failure notification with this cause for deferred transfers")
	notifyAfter := flag.Duration("notify-after", time.Second, "delay before a failure notification")
	token := flag.String("token", "", "bearer token for smf callbacks")
	jwtSecret := flag.String("jwt-secret", "", "sign an access token for smf callbacks with this secret")
	jwtAudience := flag.String("jwt-audience", "", "audience of the signed access token")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("amfsim", *addr)

	if *jwtSecret != "" {
		signed, err := auth.IssueToken([]byte(*jwtSecret), "amfsim", *jwtAudience, auth.DefaultScope, 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "amfsim: %v\n", err)
			os.Exit(2)
		}
		*token = signed
	}

	cfg := simConfig{
		LocatorBase: *locatorBase,
		NotifyCause: *notifyCause,
		NotifyAfter: *notifyAfter,
		NotifyToken: *token,
	}
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	var err error
	for _, f := range []struct {
		raw string
		dst *answer
	}{{*setup, &cfg.Setup}, {*modify, &cfg.Modify}, {*release, &cfg.Release}, {*resend, &cfg.Resend}} {
		if *f.dst, err = parseAnswer(f.raw); err != nil {
			fmt.Fprintf(os.Stderr, "amfsim: %v\n", err)
			os.Exit(2)
		}
	}

	sim := newSimulator(cfg)
	srv := &http.Server{Addr: *addr, Handler: sim.router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", *addr).Msg("amfsim listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "amfsim: %v\n", err)
		os.Exit(1)
	}
	sim.wait()
}
