// Package twitter polls the bot's mention timeline and answers each mention
// with a reply thread.
package twitter

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/askbot/internal/adapter"
	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/logging"
)

type Options struct {
	PollInterval time.Duration
	// Wait is longer than on chat platforms since replies are rate limited.
	Wait time.Duration
	// ReplyDelay spaces consecutive outbound tweets.
	ReplyDelay time.Duration
	// MentionDelay spaces consecutive processed mentions.
	MentionDelay time.Duration
	MaxLength    int
	MaxResults   int
	DedupSize    int
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.Wait <= 0 {
		o.Wait = 2 * time.Minute
	}
	if o.MaxLength <= 0 {
		o.MaxLength = 280
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 10
	}
	if o.DedupSize <= 0 {
		o.DedupSize = 1000
	}
}

func pacer(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

type Bot struct {
	api     API
	sub     adapter.Submitter
	cursors CursorStore
	opts    Options
	texts   adapter.Texts
	log     *zap.Logger

	seen     *seenSet
	mentions *rate.Limiter
	replies  *rate.Limiter

	selfID   string
	selfName string
}

func New(api API, sub adapter.Submitter, cursors CursorStore, opts Options, log *zap.Logger) *Bot {
	opts.setDefaults()
	if cursors == nil {
		cursors = NewMemoryCursors()
	}
	return &Bot{
		api:      api,
		sub:      sub,
		cursors:  cursors,
		opts:     opts,
		texts:    adapter.TwitterTexts,
		log:      logging.OrNop(log).Named("twitter"),
		seen:     newSeenSet(opts.DedupSize, nil),
		mentions: pacer(opts.MentionDelay),
		replies:  pacer(opts.ReplyDelay),
	}
}

// Authenticate resolves the bot's own user id.
func (b *Bot) Authenticate(ctx context.Context) error {
	id, name, err := b.api.Me(ctx)
	if err != nil {
		return err
	}
	b.selfID, b.selfName = id, name
	b.log = b.log.With(zap.String("bot", name))
	b.log.Info("twitter bot authenticated", zap.String("id", id))
	return nil
}

// Run polls immediately and then every PollInterval until ctx is done. A
// failed poll is logged and retried on the next tick.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Authenticate(ctx); err != nil {
		return err
	}
	b.log.Info("starting mention polling", zap.Duration("interval", b.opts.PollInterval))

	tick := time.NewTicker(b.opts.PollInterval)
	defer tick.Stop()
	for {
		if err := b.PollOnce(ctx); err != nil && ctx.Err() == nil {
			b.log.Error("error polling mentions", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			b.log.Info("twitter bot stopped")
			return nil
		case <-tick.C:
		}
	}
}

func (b *Bot) cursorName() string { return "twitter:mentions:" + b.selfID }

// PollOnce fetches mentions newer than the cursor and processes them oldest
// first. The cursor advances to the newest mention handled.
func (b *Bot) PollOnce(ctx context.Context) error {
	if b.selfID == "" {
		if err := b.Authenticate(ctx); err != nil {
			return err
		}
	}
	since, err := b.cursors.LoadCursor(ctx, b.cursorName())
	if err != nil {
		return errors.Wrap(err, "load cursor")
	}

	b.log.Debug("polling for mentions", zap.String("sinceId", since))
	mentions, err := b.api.Mentions(ctx, b.selfID, since, b.opts.MaxResults)
	if err != nil {
		return err
	}
	if len(mentions) == 0 {
		b.log.Debug("no new mentions found")
		return nil
	}
	b.log.Info("found new mentions", zap.Int("count", len(mentions)))

	newest := ""
	for i := len(mentions) - 1; i >= 0; i-- {
		if err := b.mentions.Wait(ctx); err != nil {
			break
		}
		b.processMention(ctx, mentions[i])
		newest = mentions[i].ID
	}
	if newest == "" {
		return ctx.Err()
	}
	if err := b.cursors.SaveCursor(ctx, b.cursorName(), newest); err != nil {
		return errors.Wrap(err, "save cursor")
	}
	return nil
}

// processMention answers one mention. Errors are logged and answered with a
// best-effort apology; they never reach the poll loop.
func (b *Bot) processMention(ctx context.Context, m Mention) {
	log := b.log.With(zap.String("tweetId", m.ID), zap.String("userId", m.AuthorID))

	if b.seen.Has(m.ID) {
		log.Debug("tweet already processed, skipping")
		return
	}
	b.seen.Mark(m.ID)
	if m.AuthorID == b.selfID {
		log.Debug("skipping own tweet")
		return
	}

	userName := m.AuthorUsername
	if userName == "" {
		userName = "unknown"
	}
	log.Info("processing mention", zap.String("userName", userName), zap.Int("textLength", len(m.Text)))

	if err := b.answer(ctx, log, m, userName); err != nil {
		log.Error("error handling mention", zap.Error(err))
		if err := b.reply(ctx, m.ID, m.AuthorUsername, b.texts.Error); err != nil {
			log.Error("failed to send error reply", zap.Error(err))
		}
	}
}

func (b *Bot) answer(ctx context.Context, log *zap.Logger, m Mention, userName string) error {
	question := adapter.StripMentions(m.Text)
	if question == "" {
		log.Warn("empty question after removing mentions")
		return b.reply(ctx, m.ID, m.AuthorUsername, b.texts.EmptyQuestion)
	}

	job := domain.NewJob(domain.Twitter, m.ID, m.AuthorID, userName, question, map[string]any{
		"tweetId":        m.ID,
		"conversationId": m.ConversationID,
		"text":           m.Text,
	})
	out, err := b.sub.SubmitAndWait(ctx, job, b.opts.Wait)
	if err != nil {
		return err
	}

	switch {
	case out.Pending:
		log.Warn("mention processing timeout")
		return b.reply(ctx, m.ID, m.AuthorUsername, b.texts.Pending)
	case !out.Result.Success || out.Result.Response == "":
		log.Error("error processing mention", zap.String("error", out.Result.Error))
		return b.reply(ctx, m.ID, m.AuthorUsername, b.texts.Failure)
	default:
		if err := b.reply(ctx, m.ID, m.AuthorUsername, out.Result.Response); err != nil {
			return err
		}
		log.Info("replied to mention", zap.Duration("processingTime", out.Result.ProcessingTime))
		return nil
	}
}

// reply posts text as a thread under tweetID. The first tweet mentions the
// user when the handle is known; each later tweet replies to the one before it.
func (b *Bot) reply(ctx context.Context, tweetID, handle, text string) error {
	var prefix string
	if handle != "" {
		prefix = "@" + handle + " "
	}
	chunks := adapter.Thread(text, b.opts.MaxLength-utf8.RuneCountInString(prefix))

	parent := tweetID
	for i, chunk := range chunks {
		if i == 0 {
			chunk = prefix + chunk
		}
		if err := b.replies.Wait(ctx); err != nil {
			return err
		}
		b.log.Debug("sending tweet",
			zap.String("replyToId", parent),
			zap.Int("tweetNumber", i+1),
			zap.Int("totalTweets", len(chunks)),
			zap.Int("length", utf8.RuneCountInString(chunk)))
		id, err := b.api.Reply(ctx, parent, chunk)
		if err != nil {
			return err
		}
		parent = id
	}
	return nil
}
