package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"margin/api/internal/config"
	"margin/api/internal/logging"
)

func main() {
	app := &cli.App{
		Name:  "margin-api",
		Usage: "Annotation threads, disputes and notifications for problem documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "margin.toml",
				EnvVars: []string{"MARGIN_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			c.App.Metadata = map[string]interface{}{"config": cfg}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			reconcileCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadedConfig(c *cli.Context) config.Config {
	cfg, _ := c.App.Metadata["config"].(config.Config)
	return cfg
}
