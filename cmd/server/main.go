package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"pairdesk/internal/config"
	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
	"pairdesk/internal/security"
	"pairdesk/internal/server"
	"pairdesk/internal/session"
	"pairdesk/internal/transfer"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.yaml (default ./config.yaml or ./configs/config.yaml)")
	versionFlag := pflag.BoolP("version", "v", false, "show version")
	pflag.Parse()

	if *versionFlag {
		fmt.Printf("%s-server v%s\n", constants.AppName, constants.Version)
		return
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s %v\n", constants.ColorRed, constants.ColorReset, err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Debug:   conf.Log.Debug,
		NoColor: conf.Log.NoColor,
		Dir:     conf.Log.Dir,
		Tag:     "server",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sError:%s %v\n", constants.ColorRed, constants.ColorReset, err)
		os.Exit(1)
	}

	err = run(conf, log)
	if err != nil {
		log.Error().Err(err).Msg("❌ Server stopped")
	}
	_ = log.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(conf *config.Config, log *logger.Logger) error {
	redisClient := session.ConnectRedis(conf.Redis, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	sessions := session.NewStore(conf.Session, redisClient, session.WithLogger(log))

	retention := security.Retention{
		Window: conf.Security.AnomalyWindow,
		Keep:   conf.Security.LogLimit,
		Idle:   conf.Session.TTL,
	}
	var accessLog security.AccessLogStore
	if redisClient != nil {
		accessLog = security.NewRedisLogStore(redisClient, retention, time.Now)
	} else {
		accessLog = security.NewMemoryLogStore(retention, conf.Session.SweepInterval, time.Now)
	}

	audit, err := security.NewAuditLogger(conf.Security.AuditDir)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  Audit log disabled")
	}

	guard, err := security.NewGuard(conf.Security, accessLog,
		security.WithAudit(audit),
		security.WithGuardLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to init access guard: %w", err)
	}
	transfers, err := transfer.NewManager(conf.Transfer, conf.Session.TTL, sessions,
		transfer.WithLogger(log),
		transfer.WithSweepInterval(conf.Session.SweepInterval),
	)
	if err != nil {
		return fmt.Errorf("failed to init transfers: %w", err)
	}

	srv := server.New(conf, server.Deps{
		Sessions:  sessions,
		Guard:     guard,
		AccessLog: accessLog,
		Transfers: transfers,
		Audit:     audit,
		Log:       log,
	})
	return srv.Run()
}
