package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var version = "dev"

func main() {
	cfgFile := flag.StringP("config", "c", "", "Config file (TOML)")
	logLevel := flag.StringP("log-level", "l", "", "Override log level from config")
	check := flag.BoolP("check", "t", false, "Check config and exit")
	showVersion := flag.BoolP("version", "V", false, "Show version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		log.Fatalf("Unable to load config: %s", err)
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err = setupLogging(&cfg.Log); err != nil {
		log.Fatalf("Unable to setup logging: %s", err)
	}

	if *check {
		log.Infof("Config OK, sinks: %v", cfg.enabledSinks())
		return
	}

	log.Infof("dnstap-receiver %s starting", version)

	r, err := newReceiver(cfg)
	if err != nil {
		log.Fatalf("Unable to init receiver: %s", err)
	}

	r.start()

	sigchannel := make(chan os.Signal, 1)
	signal.Notify(sigchannel, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, os.Interrupt)

	for sig := range sigchannel {
		switch sig {
		case syscall.SIGHUP:
			if r.domains == nil {
				log.Info("No qname list configured, nothing to reload")
				continue
			}

			if err := r.reloadDomains(); err != nil {
				log.WithError(err).Error("Reload failed, keeping the current list")
			}

		case syscall.SIGUSR1:
			r.logStats()

		case os.Interrupt, syscall.SIGTERM:
			log.Infof("Got %s, shutting down", sig)
			r.stop()
			r.logStats()
			log.Info("Bye")
			return
		}
	}
}
