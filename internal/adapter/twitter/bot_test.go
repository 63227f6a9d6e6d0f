package twitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/askbot/internal/adapter"
	"github.com/SirClappington/askbot/internal/domain"
	"github.com/SirClappington/askbot/internal/waiter"
)

type tweet struct {
	inReplyTo string
	text      string
}

type fakeAPI struct {
	mu       sync.Mutex
	mentions []Mention
	since    []string
	replies  []tweet
	replyErr error
	next     int
}

func (f *fakeAPI) Me(context.Context) (string, string, error) { return "bot-1", "ask_starknet", nil }

func (f *fakeAPI) Mentions(_ context.Context, _, sinceID string, max int) ([]Mention, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, sinceID)
	out := f.mentions
	f.mentions = nil
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (f *fakeAPI) Reply(_ context.Context, inReplyTo, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return "", f.replyErr
	}
	f.replies = append(f.replies, tweet{inReplyTo, text})
	f.next++
	return fmt.Sprintf("r%d", f.next), nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	jobs    []domain.Job
	answer  func(job domain.Job) (waiter.Outcome, error)
	timeout time.Duration
}

func (f *fakeSubmitter) Submit(_ context.Context, job domain.Job) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return job, nil
}

func (f *fakeSubmitter) Wait(context.Context, string, time.Duration) (waiter.Outcome, error) {
	return waiter.Outcome{Pending: true}, nil
}

func (f *fakeSubmitter) SubmitAndWait(ctx context.Context, job domain.Job, timeout time.Duration) (waiter.Outcome, error) {
	_, _ = f.Submit(ctx, job)
	f.mu.Lock()
	f.timeout = timeout
	f.mu.Unlock()
	if f.answer == nil {
		return waiter.Outcome{Result: domain.Succeeded("answer to "+job.Message, time.Second)}, nil
	}
	return f.answer(job)
}

func newBot(t *testing.T, api *fakeAPI, sub *fakeSubmitter, cursors CursorStore) *Bot {
	t.Helper()
	return New(api, sub, cursors, Options{}, zaptest.NewLogger(t))
}

func mention(id, author, text string) Mention {
	return Mention{ID: id, Text: text, AuthorID: "u-" + author, AuthorUsername: author, ConversationID: id}
}

func TestPollOnceAnswersOldestFirst(t *testing.T) {
	api := &fakeAPI{mentions: []Mention{
		mention("103", "carol", "@ask_starknet third?"),
		mention("102", "bob", "@ask_starknet second?"),
		mention("101", "alice", "@ask_starknet first?"),
	}}
	sub := &fakeSubmitter{}
	cursors := NewMemoryCursors()
	b := newBot(t, api, sub, cursors)

	require.NoError(t, b.PollOnce(context.Background()))

	require.Len(t, sub.jobs, 3)
	assert.Equal(t, "first?", sub.jobs[0].Message)
	assert.Equal(t, "twitter-101", sub.jobs[0].Key)
	assert.Equal(t, "alice", sub.jobs[0].UserName)
	assert.Equal(t, "u-alice", sub.jobs[0].UserID)
	assert.Equal(t, "third?", sub.jobs[2].Message)
	assert.Equal(t, 2*time.Minute, sub.timeout)

	require.Len(t, api.replies, 3)
	assert.Equal(t, tweet{"101", "@alice answer to first?"}, api.replies[0])

	cur, err := cursors.LoadCursor(context.Background(), "twitter:mentions:bot-1")
	require.NoError(t, err)
	assert.Equal(t, "103", cur)

	require.NoError(t, b.PollOnce(context.Background()))
	assert.Equal(t, []string{"", "103"}, api.since)
}

func TestPollOnceDuplicateInOneCycle(t *testing.T) {
	api := &fakeAPI{mentions: []Mention{
		mention("7", "alice", "@ask_starknet gm?"),
		mention("7", "alice", "@ask_starknet gm?"),
	}}
	sub := &fakeSubmitter{}
	b := newBot(t, api, sub, nil)

	require.NoError(t, b.PollOnce(context.Background()))
	assert.Len(t, sub.jobs, 1)
	assert.Len(t, api.replies, 1)
}

func TestPollOnceSkipsOwnTweet(t *testing.T) {
	own := Mention{ID: "5", Text: "@ask_starknet thread", AuthorID: "bot-1", AuthorUsername: "ask_starknet"}
	api := &fakeAPI{mentions: []Mention{own}}
	sub := &fakeSubmitter{}
	b := newBot(t, api, sub, nil)

	require.NoError(t, b.PollOnce(context.Background()))
	assert.Empty(t, sub.jobs)
	assert.Empty(t, api.replies)
	assert.True(t, b.seen.Has("5"))
}

func TestEmptyQuestionPrompts(t *testing.T) {
	api := &fakeAPI{mentions: []Mention{mention("9", "bob", "@ask_starknet @friend")}}
	sub := &fakeSubmitter{}
	b := newBot(t, api, sub, nil)

	require.NoError(t, b.PollOnce(context.Background()))
	assert.Empty(t, sub.jobs)
	require.Len(t, api.replies, 1)
	assert.Equal(t, "@bob "+adapter.TwitterTexts.EmptyQuestion, api.replies[0].text)
}

func TestUnknownAuthorIsNotTagged(t *testing.T) {
	m := mention("11", "", "@ask_starknet what is a felt?")
	m.AuthorID = "u-42"
	api := &fakeAPI{mentions: []Mention{m}}
	sub := &fakeSubmitter{}
	b := newBot(t, api, sub, nil)

	require.NoError(t, b.PollOnce(context.Background()))
	require.Len(t, sub.jobs, 1)
	assert.Equal(t, "unknown", sub.jobs[0].UserName)
	require.Len(t, api.replies, 1)
	assert.Equal(t, "answer to what is a felt?", api.replies[0].text)
	assert.NotContains(t, api.replies[0].text, "@")
}

func TestOutcomeReplies(t *testing.T) {
	cases := []struct {
		name    string
		outcome waiter.Outcome
		err     error
		want    string
	}{
		{"failure", waiter.Outcome{Result: domain.FailedResult("boom", 0)}, nil, adapter.TwitterTexts.Failure},
		{"pending", waiter.Outcome{Pending: true}, nil, adapter.TwitterTexts.Pending},
		{"queue error", waiter.Outcome{}, errors.New("redis down"), adapter.TwitterTexts.Error},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{mentions: []Mention{mention("1", "alice", "@ask_starknet hi")}}
			sub := &fakeSubmitter{answer: func(domain.Job) (waiter.Outcome, error) { return tc.outcome, tc.err }}
			b := newBot(t, api, sub, nil)

			require.NoError(t, b.PollOnce(context.Background()))
			require.Len(t, api.replies, 1)
			assert.Equal(t, "@alice "+tc.want, api.replies[0].text)
		})
	}
}

func TestReplyFailureDoesNotStopCycle(t *testing.T) {
	api := &fakeAPI{
		mentions: []Mention{mention("2", "bob", "@ask_starknet b"), mention("1", "alice", "@ask_starknet a")},
		replyErr: errors.New("429 too many requests"),
	}
	sub := &fakeSubmitter{}
	cursors := NewMemoryCursors()
	b := newBot(t, api, sub, cursors)

	require.NoError(t, b.PollOnce(context.Background()))
	assert.Len(t, sub.jobs, 2)
	cur, _ := cursors.LoadCursor(context.Background(), "twitter:mentions:bot-1")
	assert.Equal(t, "2", cur)
}

func TestLongAnswerIsThreaded(t *testing.T) {
	long := strings.Repeat("Starknet uses STARK proofs to scale Ethereum securely. ", 15)
	api := &fakeAPI{mentions: []Mention{mention("1", "alice", "@ask_starknet explain")}}
	sub := &fakeSubmitter{answer: func(domain.Job) (waiter.Outcome, error) {
		return waiter.Outcome{Result: domain.Succeeded(long, 0)}, nil
	}}
	b := newBot(t, api, sub, nil)

	require.NoError(t, b.PollOnce(context.Background()))
	require.Greater(t, len(api.replies), 1)

	n := len(api.replies)
	for i, r := range api.replies {
		assert.LessOrEqual(t, utf8.RuneCountInString(r.text), 280, "tweet %d", i)
		if i == 0 {
			assert.Equal(t, "1", r.inReplyTo)
			assert.True(t, strings.HasPrefix(r.text, fmt.Sprintf("@alice 1/%d\n\n", n)))
		} else {
			assert.Equal(t, fmt.Sprintf("r%d", i), r.inReplyTo, "chained to previous reply")
			assert.True(t, strings.HasPrefix(r.text, fmt.Sprintf("%d/%d\n\n", i+1, n)))
		}
	}
}

func TestReplyPacing(t *testing.T) {
	api := &fakeAPI{mentions: []Mention{mention("2", "bob", "@ask_starknet b"), mention("1", "alice", "@ask_starknet a")}}
	b := New(api, &fakeSubmitter{}, nil, Options{MentionDelay: 60 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	require.NoError(t, b.PollOnce(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, api.replies, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	api := &fakeAPI{mentions: []Mention{mention("1", "alice", "@ask_starknet a")}}
	b := New(api, &fakeSubmitter{}, nil, Options{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.since) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.replies, 1)
	assert.Equal(t, "1", api.since[len(api.since)-1])
}
