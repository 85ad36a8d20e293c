package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Rabbit is embedded by every service that talks to the payment exchange.
type Rabbit struct {
	URL      string `envconfig:"RABBIT_URL" required:"true"`
	Exchange string `envconfig:"PAYMENT_EXCHANGE" default:"payment_exchange"`
	Queue    string `envconfig:"PAYMENT_QUEUE" default:"payment_queue"`
	Binding  string `envconfig:"PAYMENT_BINDING" default:"payment.#"`
}

// Consumer tunes the ticket-side delivery loop.
type Consumer struct {
	Workers     int           `envconfig:"CONSUMER_WORKERS" default:"4"`
	Prefetch    int           `envconfig:"CONSUMER_PREFETCH" default:"16"`
	MaxAttempts int           `envconfig:"CONSUMER_MAX_ATTEMPTS" default:"5"`
	RetryDelay  time.Duration `envconfig:"CONSUMER_RETRY_DELAY" default:"5s"`
}

type Telemetry struct {
	Env          string `envconfig:"ENV" default:"dev"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
}

// Load reads an optional .env file and then fills spec from the environment.
// Variables already set in the process win over the file.
func Load(spec any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return envconfig.Process("", spec)
}
