// Package telegram answers questions sent to the bot in private chats, and in
// groups when the bot is mentioned or replied to.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/askbot/internal/adapter"
	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/logging"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Stats reports queue counts for /status.
type Stats interface {
	Metrics(ctx context.Context) (domain.Metrics, error)
}

type Options struct {
	// Wait bounds how long a question waits for its answer before the user
	// is told it is taking longer.
	Wait        time.Duration
	MaxHandlers int
}

type Bot struct {
	api   API
	self  tgbotapi.User
	sub   adapter.Submitter
	stats Stats
	opts  Options
	texts adapter.Texts
	log   *zap.Logger
}

func New(api API, self tgbotapi.User, sub adapter.Submitter, stats Stats, opts Options, log *zap.Logger) *Bot {
	if opts.Wait <= 0 {
		opts.Wait = 60 * time.Second
	}
	if opts.MaxHandlers <= 0 {
		opts.MaxHandlers = 16
	}
	return &Bot{
		api:   api,
		self:  self,
		sub:   sub,
		stats: stats,
		opts:  opts,
		texts: adapter.TelegramTexts,
		log:   logging.OrNop(log).Named("telegram").With(zap.String("bot", self.UserName)),
	}
}

// Run handles updates until ctx is done or updates is closed, then waits for
// running handlers.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.MaxHandlers)
	b.log.Info("telegram bot started")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case upd, ok := <-updates:
			if !ok {
				break loop
			}
			g.Go(func() error {
				b.Handle(gctx, upd)
				return nil
			})
		}
	}

	err := g.Wait()
	b.log.Info("telegram bot stopped")
	return err
}

// Handle processes one update. Failures are logged and reported to the chat,
// never returned.
func (b *Bot) Handle(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Text == "" || msg.Chat == nil || msg.From == nil {
		return
	}
	log := b.log.With(
		zap.Int("updateId", upd.UpdateID),
		zap.Int64("chatId", msg.Chat.ID),
		zap.Int64("userId", msg.From.ID),
	)

	if msg.IsCommand() {
		if b.forOtherBot(msg) {
			return
		}
		switch msg.Command() {
		case "start":
			b.send(log, b.textMessage(msg, startText))
			return
		case "help":
			b.send(log, b.textMessage(msg, fmt.Sprintf(helpText, b.self.UserName)))
			return
		case "status":
			b.status(ctx, log, msg)
			return
		}
	}

	if !msg.Chat.IsPrivate() && !b.addressed(msg) {
		return
	}
	b.ask(ctx, log, msg)
}

// forOtherBot reports whether a command names another bot, as in
// /status@OtherBot.
func (b *Bot) forOtherBot(msg *tgbotapi.Message) bool {
	_, target, ok := strings.Cut(msg.CommandWithAt(), "@")
	return ok && !strings.EqualFold(target, b.self.UserName)
}

// addressed reports whether a group message mentions the bot or replies to
// one of its messages.
func (b *Bot) addressed(msg *tgbotapi.Message) bool {
	if b.self.UserName != "" && strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(b.self.UserName)) {
		return true
	}
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.ID == b.self.ID
}

func (b *Bot) ask(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	question := adapter.StripMention(msg.Text, b.self.UserName)
	if question == "" {
		b.send(log, b.textMessage(msg, b.texts.EmptyQuestion))
		return
	}
	log.Info("processing message", zap.String("chatType", msg.Chat.Type), zap.Int("messageLength", len(question)))

	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		log.Debug("chat action failed", zap.Error(err))
	}

	// Message ids are only unique within a chat.
	job := domain.NewJob(domain.Telegram, fmt.Sprintf("%d:%d", chatID, msg.MessageID),
		fmt.Sprint(msg.From.ID), displayName(msg.From), question,
		map[string]any{"chatId": chatID, "chatType": msg.Chat.Type, "messageId": msg.MessageID})

	stored, err := b.sub.Submit(ctx, job)
	if err != nil {
		log.Error("submit failed", zap.Error(err))
		b.send(log, b.textMessage(msg, b.texts.Error))
		return
	}

	placeholder, err := b.api.Send(b.textMessage(msg, b.texts.Processing))
	if err != nil {
		log.Error("send placeholder failed", zap.Error(err))
		b.send(log, b.textMessage(msg, b.texts.Error))
		return
	}
	edit := func(text string) {
		if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, placeholder.MessageID, text)); err != nil {
			log.Error("edit placeholder failed", zap.Error(err))
		}
	}

	out, err := b.sub.Wait(ctx, stored.Key, b.opts.Wait)
	switch {
	case err != nil:
		log.Error("wait failed", zap.String("key", stored.Key), zap.Error(err))
		edit(b.texts.Error)
	case out.Pending:
		log.Warn("job timeout", zap.String("key", stored.Key))
		edit(b.texts.Pending)
	case !out.Result.Success || out.Result.Response == "":
		log.Error("error in job processing", zap.String("key", stored.Key), zap.String("error", out.Result.Error))
		edit(b.texts.Failure)
	default:
		if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, placeholder.MessageID)); err != nil {
			log.Warn("delete placeholder failed", zap.Error(err))
		}
		for i, chunk := range adapter.Split(out.Result.Response, MaxMessageLength) {
			m := tgbotapi.NewMessage(chatID, chunk)
			if i == 0 {
				m.ReplyToMessageID = msg.MessageID
			}
			if !b.send(log, m) {
				return
			}
		}
		log.Info("response sent", zap.String("key", stored.Key), zap.Duration("processingTime", out.Result.ProcessingTime))
	}
}

func (b *Bot) status(ctx context.Context, log *zap.Logger, msg *tgbotapi.Message) {
	m, err := b.stats.Metrics(ctx)
	if err != nil {
		log.Error("get status failed", zap.Error(err))
		b.send(log, b.textMessage(msg, statusErrorText))
		return
	}
	b.send(log, b.textMessage(msg, fmt.Sprintf(statusText, m.Waiting, m.Active, m.Delayed, m.Completed, m.Failed)))
}

func (b *Bot) textMessage(msg *tgbotapi.Message, text string) tgbotapi.MessageConfig {
	return tgbotapi.NewMessage(msg.Chat.ID, text)
}

func (b *Bot) send(log *zap.Logger, c tgbotapi.Chattable) bool {
	if _, err := b.api.Send(c); err != nil {
		log.Error("send failed", zap.Error(err))
		return false
	}
	return true
}

func displayName(u *tgbotapi.User) string {
	switch {
	case u.UserName != "":
		return u.UserName
	case u.FirstName != "":
		return u.FirstName
	default:
		return "Unknown"
	}
}
