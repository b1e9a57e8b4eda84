package main

import (
	"context"
	"os"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/database"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "trinity-migrate",
		Usage: "Apply the relayer schema to the configured PostgreSQL database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"TRINITY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to a .env file loaded before the environment",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "maximum time allowed for the migration",
				Value: 30 * time.Second,
			},
		},
		Action: migrate,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("migration failed")
	}
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return err
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"host":     cfg.Database.Host,
		"database": cfg.Database.DBName,
	}).Info("migrations completed successfully")
	return nil
}
