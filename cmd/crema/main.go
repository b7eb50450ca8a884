package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/config"
	"github.com/standardbeagle/crema/internal/generator"
	"github.com/standardbeagle/crema/internal/host"
	"github.com/standardbeagle/crema/internal/parse"
	"github.com/standardbeagle/crema/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "crema",
		Usage:   "Continuously materialize image assets from a living composition",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Aliases: []string{"c"},
				Usage:   "Directory holding " + config.ConfigFileName,
				Value:   ".",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Connect to a generator bridge and keep assets in sync",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "host",
						Usage:   "Bridge address (host:port)",
						Value:   "127.0.0.1:49494",
						EnvVars: []string{"CREMA_HOST"},
					},
				},
				Action: runServe,
			},
			{
				Name:      "parse",
				Usage:     "Parse a layer name and print its asset specifications",
				ArgsUsage: "<layer name>",
				Action:    runParse,
			},
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.FullInfo())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func runServe(c *cli.Context) error {
	logger, err := newLogger(c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	configDir := c.String("config-dir")
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	conn, err := host.Dial(c.String("host"), logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	svc := generator.NewService(conn, cfg, logger)

	watcher, err := config.NewWatcher(configDir, logger, svc.SetConfig)
	if err != nil {
		logger.Warn("config watching unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("serving", zap.String("host", c.String("host")))
	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runParse(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return fmt.Errorf("usage: crema parse <layer name>")
	}

	specs, errs := parse.Parse(name)
	out := struct {
		Specs  []*parse.Specification `json:"specs,omitempty"`
		Errors []string               `json:"errors,omitempty"`
	}{Specs: specs}
	for _, e := range errs {
		out.Errors = append(out.Errors, e.Error())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
