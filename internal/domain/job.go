package domain

import (
	"encoding/json"
	"time"
)

type Platform string

const (
	Telegram Platform = "telegram"
	Twitter  Platform = "twitter"
	Discord  Platform = "discord"
)

type State string

const (
	Waiting   State = "waiting"
	Active    State = "active"
	Delayed   State = "delayed"
	Completed State = "completed"
	Failed    State = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool { return s == Completed || s == Failed }

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

// Key derives the deduplication key for a platform message.
func Key(p Platform, messageID string) string {
	return string(p) + "-" + messageID
}

type Job struct {
	Key       string         `json:"key"`
	Platform  Platform       `json:"platform"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Message   string         `json:"message"`
	MessageID string         `json:"messageId"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	State       State         `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     time.Duration `json:"backoff"`
	LeaseID     string        `json:"leaseId,omitempty"`
	LeaseExpiry time.Time     `json:"leaseExpiry,omitempty"`
	RunAt       time.Time     `json:"runAt,omitempty"`
	FinishedAt  time.Time     `json:"finishedAt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
	Result      *Result       `json:"result,omitempty"`
}

// NewJob builds a waiting job for a platform message. The key is derived from
// platform and messageID so resubmitting the same message is idempotent.
func NewJob(p Platform, messageID, userID, userName, message string, metadata map[string]any) Job {
	return Job{
		Key:       Key(p, messageID),
		Platform:  p,
		UserID:    userID,
		UserName:  userName,
		Message:   message,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
		State:     Waiting,
	}
}

func (j *Job) Terminal() bool { return j.State.Terminal() }

// AttemptsLeft reports whether a failure of the current attempt may be retried.
// Attempts counts started attempts, so the current one is already included.
func (j *Job) AttemptsLeft() bool { return j.Attempts < j.MaxAttempts }

// NextDelay is the backoff before the retry that follows the current attempt:
// Backoff, 2*Backoff, 4*Backoff, ...
func (j *Job) NextDelay() time.Duration {
	n := j.Attempts - 1
	if n < 0 {
		n = 0
	}
	return j.Backoff << uint(n)
}

type Result struct {
	Success        bool          `json:"success"`
	Response       string        `json:"response,omitempty"`
	Error          string        `json:"error,omitempty"`
	ProcessingTime time.Duration `json:"-"`
}

type resultJSON struct {
	Success        bool   `json:"success"`
	Response       string `json:"response,omitempty"`
	Error          string `json:"error,omitempty"`
	ProcessingTime int64  `json:"processingTime"`
}

// MarshalJSON encodes ProcessingTime in milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Success:        r.Success,
		Response:       r.Response,
		Error:          r.Error,
		ProcessingTime: r.ProcessingTime.Milliseconds(),
	})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var v resultJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Result{
		Success:        v.Success,
		Response:       v.Response,
		Error:          v.Error,
		ProcessingTime: time.Duration(v.ProcessingTime) * time.Millisecond,
	}
	return nil
}

func Succeeded(response string, took time.Duration) Result {
	return Result{Success: true, Response: response, ProcessingTime: took}
}

func FailedResult(err string, took time.Duration) Result {
	return Result{Success: false, Error: err, ProcessingTime: took}
}

// Event is published when a job reaches a terminal state.
type Event struct {
	Key    string `json:"key"`
	State  State  `json:"state"`
	Result Result `json:"result"`
}

type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
