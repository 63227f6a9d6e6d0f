package twitter

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dghubble/oauth1"
	gotwitter "github.com/g8rswimmer/go-twitter/v2"
	"github.com/pkg/errors"
)

// Mention is an inbound tweet addressed to the bot.
type Mention struct {
	ID             string
	Text           string
	AuthorID       string
	AuthorUsername string
	ConversationID string
}

// API is the part of the Twitter v2 API the bot uses.
type API interface {
	// Me returns the authenticated user's id and username.
	Me(ctx context.Context) (id, username string, err error)
	// Mentions returns up to max mentions newer than sinceID, newest first.
	Mentions(ctx context.Context, userID, sinceID string, max int) ([]Mention, error)
	// Reply posts text as a reply to inReplyTo and returns the new tweet id.
	Reply(ctx context.Context, inReplyTo, text string) (string, error)
}

type Credentials struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
}

// Client implements API over github.com/g8rswimmer/go-twitter with OAuth 1.0a
// user context signing.
type Client struct {
	tw *gotwitter.Client
}

// The oauth1 transport signs every request, so the library's own
// authorizer has nothing to add.
type noAuth struct{}

func (noAuth) Add(*http.Request) {}

func NewClient(ctx context.Context, creds Credentials) *Client {
	cfg := oauth1.NewConfig(creds.APIKey, creds.APISecret)
	httpClient := cfg.Client(ctx, oauth1.NewToken(creds.AccessToken, creds.AccessSecret))
	return NewClientWith(httpClient, "https://api.twitter.com")
}

// NewClientWith uses an already authenticated http.Client against host.
func NewClientWith(httpClient *http.Client, host string) *Client {
	return &Client{tw: &gotwitter.Client{
		Authorizer: noAuth{},
		Client:     httpClient,
		Host:       host,
	}}
}

func (c *Client) Me(ctx context.Context) (string, string, error) {
	resp, err := c.tw.AuthUserLookup(ctx, gotwitter.UserLookupOpts{})
	if err != nil {
		return "", "", errors.Wrap(err, "lookup authenticated user")
	}
	if resp.Raw == nil || len(resp.Raw.Users) == 0 || resp.Raw.Users[0] == nil {
		return "", "", fmt.Errorf("lookup authenticated user: empty response")
	}
	u := resp.Raw.Users[0]
	return u.ID, u.UserName, nil
}

func (c *Client) Mentions(ctx context.Context, userID, sinceID string, max int) ([]Mention, error) {
	resp, err := c.tw.UserMentionTimeline(ctx, userID, gotwitter.UserMentionTimelineOpts{
		TweetFields: []gotwitter.TweetField{gotwitter.TweetFieldAuthorID, gotwitter.TweetFieldCreatedAt, gotwitter.TweetFieldConversationID},
		Expansions:  []gotwitter.Expansion{gotwitter.ExpansionAuthorID},
		UserFields:  []gotwitter.UserField{gotwitter.UserFieldUserName},
		SinceID:     sinceID,
		MaxResults:  max,
	})
	if err != nil {
		return nil, errors.Wrap(err, "mention timeline")
	}
	if resp.Raw == nil {
		return nil, nil
	}

	names := make(map[string]string)
	if resp.Raw.Includes != nil {
		for _, u := range resp.Raw.Includes.Users {
			if u != nil {
				names[u.ID] = u.UserName
			}
		}
	}
	out := make([]Mention, 0, len(resp.Raw.Tweets))
	for _, tw := range resp.Raw.Tweets {
		if tw == nil {
			continue
		}
		out = append(out, Mention{
			ID:             tw.ID,
			Text:           tw.Text,
			AuthorID:       tw.AuthorID,
			AuthorUsername: names[tw.AuthorID],
			ConversationID: tw.ConversationID,
		})
	}
	return out, nil
}

func (c *Client) Reply(ctx context.Context, inReplyTo, text string) (string, error) {
	resp, err := c.tw.CreateTweet(ctx, gotwitter.CreateTweetRequest{
		Text:  text,
		Reply: &gotwitter.CreateTweetReply{InReplyToTweetID: inReplyTo},
	})
	if err != nil {
		return "", errors.Wrapf(err, "reply to %s", inReplyTo)
	}
	if resp.Tweet == nil {
		return "", fmt.Errorf("reply to %s: empty response", inReplyTo)
	}
	return resp.Tweet.ID, nil
}
