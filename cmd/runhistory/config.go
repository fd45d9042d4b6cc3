package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/runhistory/pkg/client"
	"github.com/Sternrassler/runhistory/pkg/logging"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Environment variables read by every command.
const (
	envToken    = "GITHUB_ACCESS_TOKEN"
	envUser     = "GITHUB_USER"
	envAPIURL   = "GITHUB_API_URL"
	envRedisURL = "REDIS_URL"
	envLogLevel = "LOG_LEVEL"
)

const defaultUserAgent = "runhistory/0.1.0"

// connectionOptions are the flags shared by fetch and status.
type connectionOptions struct {
	envFile   string
	apiURL    string
	userAgent string
	redisAddr string
	logLevel  string
	pretty    bool
	timeout   time.Duration
}

func (o *connectionOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.envFile, "env-file", ".env", "Load environment variables from this file if it exists")
	flags.StringVar(&o.apiURL, "api-url", "", "GitHub REST API base URL (env "+envAPIURL+")")
	flags.StringVar(&o.userAgent, "user-agent", defaultUserAgent, "User-Agent sent with every request")
	flags.StringVar(&o.redisAddr, "redis-addr", "", "Redis address or URL for leases and rate limit snapshots (env "+envRedisURL+")")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error (env "+envLogLevel+")")
	flags.BoolVar(&o.pretty, "pretty", false, "Human readable console logs")
	flags.DurationVar(&o.timeout, "timeout", 30*time.Second, "Timeout for a single HTTP request")
}

// resolve loads the env file and fills unset options from the environment.
func (o *connectionOptions) resolve() error {
	if err := loadEnvFile(o.envFile); err != nil {
		return err
	}
	o.apiURL = firstNonEmpty(o.apiURL, os.Getenv(envAPIURL), client.DefaultBaseURL)
	o.redisAddr = firstNonEmpty(o.redisAddr, os.Getenv(envRedisURL))
	o.logLevel = firstNonEmpty(o.logLevel, os.Getenv(envLogLevel), string(logging.LevelInfo))
	return nil
}

func (o *connectionOptions) credentials() client.Credentials {
	return client.Credentials{
		Username: os.Getenv(envUser),
		Token:    os.Getenv(envToken),
	}
}

func (o *connectionOptions) logger(w io.Writer) zerolog.Logger {
	return logging.Setup(logging.Config{
		Level:  logging.LogLevel(o.logLevel),
		Pretty: o.pretty,
		Output: w,
	})
}

func (o *connectionOptions) clientConfig(logger zerolog.Logger) client.Config {
	cfg := client.DefaultConfig(o.credentials(), o.userAgent)
	cfg.BaseURL = o.apiURL
	cfg.Timeout = o.timeout
	cfg.Logger = logger
	return cfg
}

// redisClient returns nil when no Redis is configured.
func (o *connectionOptions) redisClient() (*redis.Client, error) {
	if o.redisAddr == "" {
		return nil, nil
	}
	if strings.Contains(o.redisAddr, "://") {
		opts, err := redis.ParseURL(o.redisAddr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: o.redisAddr}), nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
