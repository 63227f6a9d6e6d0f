// Package adapter holds what the platform adapters share: the queue-facing
// Submitter, user-facing reply texts and message splitting.
package adapter

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/waiter"
)

// Submitter is the queue as an adapter sees it. *waiter.Waiter satisfies it.
type Submitter interface {
	Submit(ctx context.Context, job domain.Job) (domain.Job, error)
	Wait(ctx context.Context, key string, timeout time.Duration) (waiter.Outcome, error)
	SubmitAndWait(ctx context.Context, job domain.Job, timeout time.Duration) (waiter.Outcome, error)
}

// Texts are the fixed replies an adapter sends instead of an answer.
type Texts struct {
	Processing    string
	Failure       string
	Pending       string
	Error         string
	EmptyQuestion string
}

var TelegramTexts = Texts{
	Processing:    "🤔 Processing your question...",
	Failure:       "❌ Sorry, I encountered an error processing your request. Please try again later.",
	Pending:       "⏱️ Your request is taking longer than expected. Please try again later.",
	Error:         "❌ Sorry, something went wrong. Please try again later.",
	EmptyQuestion: "Hi! I'm here to answer questions about Starknet. Please ask me something!",
}

var TwitterTexts = Texts{
	Failure:       "I'm sorry, I encountered an error processing your request. Please try again later.",
	Pending:       "Your request is taking longer than expected. I'll get back to you soon!",
	Error:         "Oops! Something went wrong. Please try again later.",
	EmptyQuestion: "Hi! I'm here to answer questions about Starknet. Please ask me something!",
}

var mentionRe = regexp.MustCompile(`@\w+`)

// StripMentions removes every @handle and collapses the remaining whitespace.
func StripMentions(text string) string {
	return strings.Join(strings.Fields(mentionRe.ReplaceAllString(text, " ")), " ")
}

// StripMention removes @handle, matched case-insensitively, and trims.
func StripMention(text, handle string) string {
	if handle == "" {
		return strings.TrimSpace(text)
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(handle) + `\b`)
	return strings.TrimSpace(re.ReplaceAllString(text, ""))
}
