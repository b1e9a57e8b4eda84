package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/relayer"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

//nolint:all
var (
	version = "dev"
	commit  = "none"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a YAML configuration file",
		EnvVars: []string{"TRINITY_CONFIG"},
	}
	envFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "path to a .env file loaded before the environment",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides RELAYER_LOG_LEVEL (debug, info, warn, error)",
	}
)

var checkConfigCmd = &cli.Command{
	Name:   "check-config",
	Usage:  "Load and validate the configuration, then exit",
	Action: checkConfigAction,
}

func main() {
	app := &cli.App{
		Name:     "trinity-relayer",
		Usage:    "2-of-3 consensus relayer for cross-chain HTLC swaps",
		Version:  fmt.Sprintf("%s (%s)", version, commit),
		Flags:    []cli.Flag{configFlag, envFileFlag, logLevelFlag},
		Commands: []*cli.Command{checkConfigCmd},
		Action:   runAction,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("relayer exited")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name), c.String(envFileFlag.Name))
	if err != nil {
		return nil, err
	}

	level := cfg.Relayer.LogLevel
	if override := c.String(logLevelFlag.Name); override != "" {
		level = override
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	return cfg, nil
}

func checkConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"store":        cfg.Store.Type,
		"status_store": cfg.Store.StatusType,
	}).Info("configuration is valid")
	return nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, err := relayer.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create relayer: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	select {
	case err := <-done:
		r.Stop()
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping relayer")
	}

	r.Stop()
	return <-done
}
