// Command ratelimitd is a rate limiting reverse proxy.
//
// Usage:
//
//	ratelimitd serve --config ratelimit.yaml
//	ratelimitd validate --config ratelimit.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the rate limiting proxy."`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and exit."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to the YAML config file." type:"path" env:"RATELIMIT_CONFIG"`
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("ratelimitd %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok: proxy %s -> %s, statistics in %s, buckets in %s\n",
		cfg.Server.Listen, cfg.Server.Upstream, cfg.Storage.Statistics, cfg.Limiter.StorageType)
	return nil
}

func (cli *CLI) load() (config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return config.Config{}, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ratelimitd"),
		kong.Description("Rate limiting and abuse detection proxy"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
