// Package agent is the boundary to the answer-generating service. The queue
// only ever sees ProcessRequest; how an answer is produced is not its concern.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/askbot/internal/domain"
)

type RequestContext struct {
	Platform domain.Platform `json:"platform"`
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
}

// Agent answers one question. Errors are treated as transient and retried by
// the worker pool.
type Agent interface {
	ProcessRequest(ctx context.Context, message string, rc RequestContext) (string, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, message string, rc RequestContext) (string, error)

func (f Func) ProcessRequest(ctx context.Context, message string, rc RequestContext) (string, error) {
	return f(ctx, message, rc)
}

// HTTPAgent posts questions to a remote agent service.
type HTTPAgent struct {
	URL    string
	Client *http.Client
}

func NewHTTPAgent(url string, timeout time.Duration) *HTTPAgent {
	return &HTTPAgent{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	Message string         `json:"message"`
	Context RequestContext `json:"context"`
}

type processResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (a *HTTPAgent) ProcessRequest(ctx context.Context, message string, rc RequestContext) (string, error) {
	body, err := json.Marshal(processRequest{Message: message, Context: rc})
	if err != nil {
		return "", errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "agent request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read agent response")
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("agent returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out processResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(err, "decode agent response")
	}
	if out.Error != "" {
		return "", errors.New(out.Error)
	}
	return out.Response, nil
}
