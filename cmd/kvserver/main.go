package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"kvserver"
)

const commandHelp = `Available commands:
  set <key> <value>       - Set a string value
  get <key>               - Get a string value
  del <key>               - Delete a key
  pexpire <key> <ms>      - Set a key to expire in ms
  pttl <key>              - Get TTL of a key
  zadd <zset> <score> <member> - Add member to sorted set
  zrem <zset> <member>    - Remove member from sorted set
  zscore <zset> <member>  - Get score of member
  zquery <zset> <score> <member> <offset> <limit> - Range query
  keys                    - List all keys`

func main() {
	app := &cli.App{
		Name:        "kvserver",
		Usage:       "in-memory key/value server with a binary wire protocol",
		Description: commandHelp,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML configuration file",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "IPv4 listen address",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "TCP listen port",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "periodically log server metrics",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logger := zlog.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Stamp,
	})
	if !ctx.Bool("debug") {
		logger = logger.Level(zerolog.InfoLevel)
	}
	kvserver.SetLogger(logger)

	cfg := kvserver.DefaultConfig()
	if fname := ctx.String("config"); fname != "" {
		var err error
		if cfg, err = kvserver.LoadConfig(fname); err != nil {
			return err
		}
	}
	if ctx.IsSet("addr") {
		cfg.Addr = ctx.String("addr")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("metrics") {
		cfg.Metrics = ctx.Bool("metrics")
	}

	srv, err := kvserver.NewServer(cfg, nil)
	if err != nil {
		return err
	}
	return srv.ListenAndServe()
}
