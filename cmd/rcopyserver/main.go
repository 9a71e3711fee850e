package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/lucasreed/gorcopy/pkg/config"
	"github.com/lucasreed/gorcopy/pkg/metrics"
	"github.com/lucasreed/gorcopy/pkg/session"
)

const usage = "usage: rcopyserver [flags] error-rate [port]"

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	profile := flag.String("profile", "", "tuning profile (ini)")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9100")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.ParseServerArgs(flag.Args())
	if err != nil {
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprintln(os.Stderr, usage)
		} else {
			fmt.Fprintf(os.Stderr, "rcopyserver: %v\n", err)
		}
		os.Exit(1)
	}
	if *profile != "" {
		tuning, err := config.LoadTuning(*profile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rcopyserver: %v\n", err)
			os.Exit(1)
		}
		tuning.Channel.Rate = cfg.ErrorRate
		cfg.Tuning = tuning
	}
	if cfg.Tuning.Channel.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("[SERVER] metrics endpoint failed : %v", err)
			}
		}()
		log.Infof("[SERVER] metrics on %v/metrics", *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := session.NewServer(cfg)
	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rcopyserver: %v\n", err)
		os.Exit(1)
	}
}
