package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultPort            = "4300"
	defaultEnvironment     = "development"
	defaultProviderKind    = ProviderMock
	defaultTwilioAPIBase   = "https://api.twilio.com"
	defaultSendTimeout     = 10 * time.Second
	defaultAMQPExchange    = "threadmask.events"
	defaultRetrySchedule   = "@every 1m"
	defaultRetryMaxAttempt = 3
	defaultMigrationsDir   = "migrations"

	defaultPoolMismatchResponse = "Thanks for reaching out! This number is no longer active for your conversation. Please book again at %s and we'll connect you."
	defaultBookingLink          = "https://example.com/book"
)

const (
	ProviderTwilio = "twilio"
	ProviderMock   = "mock"
)

type ProviderConfig struct {
	Kind          string
	AccountSID    string
	AuthToken     string
	APIBaseURL    string
	WebhookURL    string
	SendTimeout   time.Duration
	SignatureReqd bool
}

type RetryWorkerConfig struct {
	Enabled     bool
	Schedule    string
	MaxAttempts int
}

type Config struct {
	Port              string
	DatabaseURL       string
	Environment       string
	LogMode           string
	JWTSigningSecret  string
	HeaderAuth        bool
	AllowedOrigins    []string
	RedisURL          string
	AMQPURL           string
	AMQPExchange      string
	MigrationsDir     string
	AutoMigrate       bool
	PoolMismatchReply string
	BookingLink       string
	Provider          ProviderConfig
	RetryWorker       RetryWorkerConfig
}

func Load() (Config, error) {
	env := resolveEnvironment()
	cfg := Config{
		Port:             firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment:      env,
		LogMode:          firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_MODE")), env),
		JWTSigningSecret: strings.TrimSpace(os.Getenv("JWT_SIGNING_SECRET")),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		AMQPURL:          strings.TrimSpace(os.Getenv("AMQP_URL")),
		AMQPExchange:     firstNonEmpty(strings.TrimSpace(os.Getenv("AMQP_EXCHANGE")), defaultAMQPExchange),
		MigrationsDir:    firstNonEmpty(strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")), defaultMigrationsDir),
		BookingLink:      firstNonEmpty(strings.TrimSpace(os.Getenv("BOOKING_LINK")), defaultBookingLink),
		Provider: ProviderConfig{
			Kind:       strings.ToLower(firstNonEmpty(strings.TrimSpace(os.Getenv("PROVIDER_KIND")), defaultProviderKind)),
			AccountSID: strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
			AuthToken:  strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
			APIBaseURL: firstNonEmpty(strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL")), defaultTwilioAPIBase),
			WebhookURL: strings.TrimSpace(os.Getenv("TWILIO_WEBHOOK_URL")),
		},
		RetryWorker: RetryWorkerConfig{
			Schedule: firstNonEmpty(strings.TrimSpace(os.Getenv("RETRY_WORKER_SCHEDULE")), defaultRetrySchedule),
		},
	}

	reply := firstNonEmpty(strings.TrimSpace(os.Getenv("POOL_MISMATCH_AUTO_RESPONSE")), defaultPoolMismatchResponse)
	if strings.Contains(reply, "%s") {
		reply = fmt.Sprintf(reply, cfg.BookingLink)
	}
	cfg.PoolMismatchReply = reply

	autoMigrate, err := parseBool("AUTO_MIGRATE", false)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoMigrate = autoMigrate

	sendTimeout, err := parseDuration("PROVIDER_SEND_TIMEOUT", defaultSendTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Provider.SendTimeout = sendTimeout

	headerAuth, err := parseBool("AUTH_HEADER_FALLBACK", !isNonDevelopment(env))
	if err != nil {
		return Config{}, err
	}
	cfg.HeaderAuth = headerAuth

	signatureRequired, err := parseBool("WEBHOOK_SIGNATURE_REQUIRED", isNonDevelopment(env))
	if err != nil {
		return Config{}, err
	}
	cfg.Provider.SignatureReqd = signatureRequired

	retryEnabled, err := parseBool("RETRY_WORKER_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryWorker.Enabled = retryEnabled

	maxAttempts, err := parseInt("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempt)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryWorker.MaxAttempts = maxAttempts

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderMock:
	case ProviderTwilio:
		if c.Provider.AccountSID == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID is required when PROVIDER_KIND=twilio")
		}
		if c.Provider.AuthToken == "" {
			return fmt.Errorf("TWILIO_AUTH_TOKEN is required when PROVIDER_KIND=twilio")
		}
	default:
		return fmt.Errorf("PROVIDER_KIND must be one of %q or %q", ProviderTwilio, ProviderMock)
	}

	if c.Provider.SignatureReqd && c.Provider.AuthToken == "" {
		return fmt.Errorf("TWILIO_AUTH_TOKEN is required when WEBHOOK_SIGNATURE_REQUIRED is enabled")
	}

	if c.RetryWorker.Enabled {
		if c.RetryWorker.Schedule == "" {
			return fmt.Errorf("RETRY_WORKER_SCHEDULE must not be empty when the retry worker is enabled")
		}
		if c.RetryWorker.MaxAttempts <= 0 {
			return fmt.Errorf("RETRY_MAX_ATTEMPTS must be greater than zero")
		}
	}

	if !c.HeaderAuth && c.JWTSigningSecret == "" {
		return fmt.Errorf("JWT_SIGNING_SECRET is required when AUTH_HEADER_FALLBACK is disabled")
	}

	if c.AMQPURL != "" && c.AMQPExchange == "" {
		return fmt.Errorf("AMQP_EXCHANGE must not be empty when AMQP_URL is set")
	}

	if isNonDevelopment(c.Environment) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in non-development environments")
	}

	return nil
}

// IsProduction reports whether the environment is a deployed one.
func (c Config) IsProduction() bool {
	return isNonDevelopment(c.Environment)
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		defaultEnvironment,
	))
}

func isNonDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
