// Command chatctl talks to a chat server from the terminal: it follows a
// conversation live, posts messages and typing signals, and checks health.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/TaviloBreno/chat-laravel-angular/clients/go/chat"
)

func main() {
	app := &cli.Command{
		Name:  "chatctl",
		Usage: "Command line client for the chat realtime API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: defaultConfigPath(),
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Server base URL (overrides the config file)",
				Sources: cli.EnvVars("CHAT_SERVER"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "API token (overrides the config file)",
				Sources: cli.EnvVars("CHAT_TOKEN"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			listenCommand(),
			sendCommand(),
			typingCommand(),
			healthCommand(),
			loginCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig merges the config file with global flags.
func loadConfig(c *cli.Command) (*Config, error) {
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if s := c.String("server"); s != "" {
		cfg.Server = s
	}
	if t := c.String("token"); t != "" {
		cfg.Token = t
	}
	return cfg, nil
}

func newLogger(c *cli.Command) zerolog.Logger {
	level := zerolog.WarnLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func requireToken(cfg *Config) error {
	if cfg.Token == "" {
		return fmt.Errorf("no token: pass --token, set CHAT_TOKEN or run chatctl login")
	}
	return nil
}

func apiClient(cfg *Config) *chat.APIClient {
	return chat.NewAPIClient(cfg.Server, chat.StaticToken(cfg.Token))
}
