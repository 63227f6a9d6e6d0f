package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/askbot/internal/adapter/twitter"
	"github.com/SirClappington/askbot/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "twitter-bot:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, "twitter-bot")
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.Cfg.Twitter
	if !cfg.HasCredentials() {
		return fmt.Errorf("missing Twitter credentials: set TWITTER_API_KEY, TWITTER_API_SECRET, TWITTER_ACCESS_TOKEN and TWITTER_ACCESS_SECRET")
	}
	client := twitter.NewClient(ctx, twitter.Credentials{
		APIKey:       cfg.APIKey,
		APISecret:    cfg.APISecret,
		AccessToken:  cfg.AccessToken,
		AccessSecret: cfg.AccessSecret,
	})

	var cursors twitter.CursorStore = twitter.NewMemoryCursors()
	if a.Store != nil {
		cursors = a.Store
	} else {
		a.Log.Warn("POSTGRES_DSN not set, mention cursor is kept in memory")
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.Cfg.Worker.Embedded {
		ag, err := a.Agent()
		if err != nil {
			return err
		}
		g.Go(func() error { return a.Pool(ag).Run(ctx) })
	}

	bot := twitter.New(client, a.Waiter(), cursors, twitter.Options{
		PollInterval: cfg.PollInterval,
		Wait:         cfg.Wait,
		ReplyDelay:   cfg.ReplyDelay,
		MentionDelay: cfg.MentionDelay,
		MaxLength:    cfg.MaxLength,
		DedupSize:    cfg.DedupSize,
	}, a.Log.With(zap.String("expectedUsername", cfg.BotUsername)))
	g.Go(func() error { return bot.Run(ctx) })
	return g.Wait()
}
