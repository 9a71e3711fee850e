package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/lucasreed/gorcopy/pkg/config"
	"github.com/lucasreed/gorcopy/pkg/session"
)

const usage = "usage: rcopy [flags] from-filename to-filename window-size buffer-size error-rate remote-host remote-port"

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	profile := flag.String("profile", "", "tuning profile (ini)")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.ParseClientArgs(flag.Args())
	if err != nil {
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprintln(os.Stderr, usage)
		} else {
			fmt.Fprintf(os.Stderr, "rcopy: %v\n", err)
		}
		os.Exit(1)
	}
	if *profile != "" {
		tuning, err := config.LoadTuning(*profile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rcopy: %v\n", err)
			os.Exit(1)
		}
		tuning.Channel.Rate = cfg.ErrorRate
		cfg.Tuning = tuning
	}
	if cfg.Tuning.Channel.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := session.NewClient(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "rcopy: %v\n", err)
		os.Exit(1)
	}
}
