package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	companionsync "github.com/tablelink/companion-sync"
	"github.com/tablelink/companion-sync/internal"
)

var GitCommit string

func main() {
	cfg, err := internal.ParseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(1)
	}
	version := companionsync.Version
	if GitCommit != "" {
		version = fmt.Sprintf("%s-%s", version, GitCommit)
		companionsync.Version = version
	}
	fmt.Printf("companion-sync %s\n", version)

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "COMPANION_LOG_LEVEL: %s\n", err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.SentryDSN != "" {
		fmt.Println("initialising sentry")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: version,
		})
		if err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if cfg.OTLPURL != "" {
		fmt.Printf("configuring OTLP exporter to %s\n", cfg.OTLPURL)
		if err := internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUser, cfg.OTLPPass, version); err != nil {
			panic(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := companionsync.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %s\n", err)
		os.Exit(1)
	}
	if err := c.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run: %s\n", err)
		os.Exit(1)
	}
}
