package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"internal/storage/migrations"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	Redis    Redis    `envPrefix:"REDIS_"`
	Queue    Queue    `envPrefix:"QUEUE_"`
	Worker   Worker   `envPrefix:"WORKER_"`
	Agent    Agent    `envPrefix:"AGENT_"`
	Telegram Telegram `envPrefix:"TELEGRAM_"`
	Twitter  Twitter  `envPrefix:"TWITTER_"`
}

type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type Queue struct {
	Name          string        `env:"NAME" envDefault:"bot-requests"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	Backoff       time.Duration `env:"BACKOFF" envDefault:"2s"`
	LeaseTimeout  time.Duration `env:"LEASE_TIMEOUT" envDefault:"5m"`
	ClaimTimeout  time.Duration `env:"CLAIM_TIMEOUT" envDefault:"30s"`
	KeepCompleted int64         `env:"KEEP_COMPLETED" envDefault:"100"`
	CompletedAge  time.Duration `env:"COMPLETED_AGE" envDefault:"1h"`
	KeepFailed    int64         `env:"KEEP_FAILED" envDefault:"50"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
}

type Worker struct {
	Concurrency int64         `env:"CONCURRENCY" envDefault:"5"`
	Block       time.Duration `env:"BLOCK" envDefault:"1s"`
	Embedded    bool          `env:"EMBEDDED" envDefault:"true"`
}

type Agent struct {
	URL     string        `env:"URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"3m"`
}

type Telegram struct {
	Token       string        `env:"BOT_TOKEN"`
	Wait        time.Duration `env:"WAIT" envDefault:"60s"`
	MaxHandlers int           `env:"MAX_HANDLERS" envDefault:"16"`
}

type Twitter struct {
	APIKey       string        `env:"API_KEY"`
	APISecret    string        `env:"API_SECRET"`
	AccessToken  string        `env:"ACCESS_TOKEN"`
	AccessSecret string        `env:"ACCESS_SECRET"`
	BotUsername  string        `env:"BOT_USERNAME" envDefault:"ask_starknet"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	Wait         time.Duration `env:"WAIT" envDefault:"120s"`
	ReplyDelay   time.Duration `env:"REPLY_DELAY" envDefault:"2s"`
	MentionDelay time.Duration `env:"MENTION_DELAY" envDefault:"5s"`
	MaxLength    int           `env:"MAX_LENGTH" envDefault:"280"`
	DedupSize    int           `env:"DEDUP_SIZE" envDefault:"1000"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, nil
}

// LoadFrom parses configuration from an explicit environment map.
func LoadFrom(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: environ}); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	return c, nil
}

func (t Twitter) HasCredentials() bool {
	return t.APIKey != "" && t.APISecret != "" && t.AccessToken != "" && t.AccessSecret != ""
}
