package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/askbot/internal/adapter/telegram"
	"github.com/SirClappington/askbot/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "telegram-bot:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, "telegram-bot")
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.Cfg.Telegram
	if cfg.Token == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return errors.Wrap(err, "telegram login")
	}
	a.Log.Info("bot info retrieved", zap.String("username", botAPI.Self.UserName), zap.Int64("id", botAPI.Self.ID))

	g, ctx := errgroup.WithContext(ctx)
	if a.Cfg.Worker.Embedded {
		ag, err := a.Agent()
		if err != nil {
			return err
		}
		g.Go(func() error { return a.Pool(ag).Run(ctx) })
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := botAPI.GetUpdatesChan(u)

	bot := telegram.New(botAPI, botAPI.Self, a.Waiter(), a.Queue, telegram.Options{
		Wait:        cfg.Wait,
		MaxHandlers: cfg.MaxHandlers,
	}, a.Log)
	g.Go(func() error { return bot.Run(ctx, updates) })
	g.Go(func() error {
		<-ctx.Done()
		botAPI.StopReceivingUpdates()
		return nil
	})
	return g.Wait()
}
