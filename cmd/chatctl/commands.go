package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/TaviloBreno/chat-laravel-angular/clients/go/chat"
	"github.com/TaviloBreno/chat-laravel-angular/internal/channels"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Follow a conversation's messages, presence and typing",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "conversation",
				Usage:    "Conversation id",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "me",
				Usage: "Your user id; follows your private channel and hides your own typing",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return listen(ctx, cfg, int64(c.Int("conversation")), int64(c.Int("me")), newLogger(c))
		},
	}
}

type printer struct {
	mu sync.Mutex
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Println(s)
}

func listen(ctx context.Context, cfg *Config, conversationID, me int64, logger zerolog.Logger) error {
	if err := requireToken(cfg); err != nil {
		return err
	}
	wsURL, err := cfg.SocketURL()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &printer{}
	m, err := chat.NewManager(chat.ManagerOptions{
		Transport: chat.NewWSTransport(wsURL, logger),
		Tokens:    chat.StaticToken(cfg.Token),
		Logger:    logger,
		OnStateChange: func(s chat.State) {
			out.line(metaStyle.Render("connection " + string(s)))
		},
	})
	if err != nil {
		return err
	}

	presence := chat.NewPresenceTracker(m)
	typing, err := chat.NewTypingCoordinator(m, apiClient(cfg), chat.TypingOptions{
		SelfID:   me,
		Debounce: cfg.Typing.Debounce.Duration,
		AutoStop: cfg.Typing.AutoStop.Duration,
		Expiry:   cfg.Typing.Expiry.Duration,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer typing.Close()

	status := func(int64) {
		out.line(formatPresence(presence.Members(conversationID), typing.TypingUsers(conversationID)))
	}
	presence.OnChange(status)
	typing.OnChange(status)

	follow := func(channel string) error {
		_, err := m.Subscribe(channel, chat.Listener{
			OnEvent: func(ev events.Event) {
				out.line(formatEvent(channel, ev, time.Now()))
			},
			OnDenied: func(code int) {
				out.line(failStyle.Render(fmt.Sprintf("%s refused (%d)", channel, code)))
			},
		})
		return err
	}
	if err := follow(channels.Conversation(conversationID)); err != nil {
		return err
	}
	if me > 0 {
		if err := follow(channels.User(me)); err != nil {
			return err
		}
	}
	if err := presence.Join(conversationID); err != nil {
		return err
	}
	if err := typing.Listen(conversationID); err != nil {
		return err
	}

	out.line(titleStyle.Render(fmt.Sprintf("conversation %d", conversationID)))
	m.Initialize()
	<-ctx.Done()
	m.Disconnect()
	return nil
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Post a message",
		ArgsUsage: "TEXT...",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "conversation",
				Usage:    "Conversation id",
				Required: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if text == "" {
				return fmt.Errorf("message text is required")
			}
			msg, err := apiClient(cfg).PostMessage(ctx, int64(c.Int("conversation")), text)
			if err != nil {
				return err
			}
			fmt.Printf("%s #%d\n", okStyle.Render("sent"), msg.ID)
			return nil
		},
	}
}

func typingCommand() *cli.Command {
	return &cli.Command{
		Name:  "typing",
		Usage: "Show as typing in a conversation for a while",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "conversation",
				Usage:    "Conversation id",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "for",
				Usage: "How long to stay typing",
				Value: 3 * time.Second,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			return typeFor(ctx, apiClient(cfg), int64(c.Int("conversation")), c.Duration("for"), cfg.Typing.AutoStop.Duration)
		},
	}
}

// typeFor signals typing, refreshing before the server-side indicator would
// lapse, then signals stop.
func typeFor(ctx context.Context, sender chat.TypingSender, conversationID int64, d, refresh time.Duration) error {
	if err := sender.SendTyping(ctx, conversationID, true); err != nil {
		return err
	}
	if refresh <= 0 {
		refresh = 3 * time.Second
	}
	ticker := time.NewTicker(refresh / 2)
	defer ticker.Stop()
	deadline := time.NewTimer(d)
	defer deadline.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			if err := sender.SendTyping(ctx, conversationID, true); err != nil {
				return err
			}
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	// stop even when interrupted
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sender.SendTyping(stopCtx, conversationID, false)
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Show server health",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			h, err := apiClient(cfg).Health(ctx)
			if err != nil {
				return err
			}
			fmt.Print(formatHealth(h))
			if h.Status != "healthy" {
				return fmt.Errorf("server is %s", h.Status)
			}
			return nil
		},
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Store the server URL and token in the config file",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			path := c.String("config")
			if path == "" {
				return fmt.Errorf("no config path")
			}
			if err := cfg.SaveConfig(path); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", okStyle.Render("saved"), path)
			return nil
		},
	}
}
