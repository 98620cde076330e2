package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"eos/api/internal/email"
	"eos/api/internal/financial"
	"eos/api/internal/store"
)

const devJWTSecret = "eos-dev-secret-change-me"

type Config struct {
	Addr            string        `help:"HTTP listen address." default:":8787" env:"EOS_ADDR"`
	DatabasePath    string        `help:"SQLite database file." default:"./data/eos.db" env:"EOS_DATABASE_PATH"`
	JWTSecret       string        `help:"HMAC secret for session tokens." env:"EOS_JWT_SECRET"`
	SessionTTL      time.Duration `help:"Session lifetime, renewed on use." default:"12h" env:"EOS_SESSION_TTL"`
	BcryptCost      int           `help:"bcrypt cost for new password hashes." default:"10" env:"EOS_BCRYPT_COST"`
	CORSOrigin      string        `help:"Allowed CORS origin." default:"*" env:"EOS_CORS_ORIGIN"`
	Dev             bool          `help:"Development mode (console logs, debug level, dev secret)." env:"EOS_DEV"`
	RetryInitial    time.Duration `help:"First retry delay for locked writes." default:"100ms" env:"EOS_RETRY_INITIAL"`
	RetryMultiplier float64       `help:"Retry delay multiplier." default:"2" env:"EOS_RETRY_MULTIPLIER"`
	RetryMax        int           `help:"Retries after the first attempt." default:"5" env:"EOS_RETRY_MAX"`

	// Sessions
	RedisURL         string `help:"Redis URL for sessions; in-memory when empty." env:"REDIS_URL"`
	SessionCacheSize int    `help:"In-memory session cache size." default:"10000" env:"EOS_SESSION_CACHE_SIZE"`

	// Federated login
	TrustedEmailHeader  string `help:"Header carrying the email asserted by a trusted proxy." env:"EOS_TRUSTED_EMAIL_HEADER"`
	TrustedGroupsHeader string `help:"Header carrying comma separated groups from the proxy." env:"EOS_TRUSTED_GROUPS_HEADER"`
	SSOSharedSecret     string `help:"Shared secret required on POST /api/auth/sso." env:"EOS_SSO_SHARED_SECRET"`
	SSOGroupMap         string `help:"YAML file mapping groups to role grants." env:"EOS_SSO_GROUP_MAP"`

	// Search
	MeiliURL       string `help:"Meilisearch URL; database search when empty." env:"MEILI_URL"`
	MeiliMasterKey string `help:"Meilisearch API key." env:"MEILI_MASTER_KEY"`

	// SMTP, email disabled when host or from are empty
	SMTPHost         string `help:"SMTP host." env:"SMTP_HOST"`
	SMTPPort         string `help:"SMTP port." default:"587" env:"SMTP_PORT"`
	SMTPUsername     string `help:"SMTP username." env:"SMTP_USERNAME"`
	SMTPPassword     string `help:"SMTP password." env:"SMTP_PASSWORD"`
	SMTPFrom         string `help:"Sender address." env:"SMTP_FROM"`
	SMTPFromName     string `help:"Sender display name." default:"EOS" env:"SMTP_FROM_NAME"`
	EmailConcurrency int    `help:"Concurrent SMTP sends." default:"4" env:"EOS_EMAIL_CONCURRENCY"`

	// Financial summaries
	FinancialsDir    string `help:"Directory of per-division financial JSON blobs." env:"EOS_FINANCIALS_DIR"`
	FinancialsBucket string `help:"Bucket of per-division financial JSON blobs." env:"EOS_FINANCIALS_BUCKET"`
	MinioEndpoint    string `help:"S3-compatible endpoint." env:"MINIO_ENDPOINT"`
	MinioAccessKey   string `help:"S3 access key." env:"MINIO_ACCESS_KEY"`
	MinioSecretKey   string `help:"S3 secret key." env:"MINIO_SECRET_KEY"`
	MinioUseSSL      bool   `help:"Use TLS for the S3 endpoint." env:"MINIO_USE_SSL"`
}

// Load reads .env (if present), then flags and environment, then validates.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	parser, err := kong.New(&cfg,
		kong.Name("eos-api"),
		kong.Description("EOS tracker API server."),
	)
	if err != nil {
		return Config{}, fmt.Errorf("build config parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.JWTSecret == "" && cfg.Dev {
		cfg.JWTSecret = devJWTSecret
	}
	if err := cfg.Check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Check reports every invalid setting at once. Load runs it after the dev
// fallback; kong calls any method named Validate from inside Parse.
func (c Config) Check() error {
	var errs []error
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("EOS_DATABASE_PATH is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("EOS_JWT_SECRET must be at least 16 characters"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("EOS_SESSION_TTL must be positive"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("EOS_BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.RetryInitial <= 0 || c.RetryMultiplier < 1 || c.RetryMax < 0 {
		errs = append(errs, errors.New("retry policy needs a positive initial delay, a multiplier >= 1 and max >= 0"))
	}
	if c.SessionCacheSize <= 0 {
		errs = append(errs, errors.New("EOS_SESSION_CACHE_SIZE must be positive"))
	}
	if c.EmailConcurrency <= 0 {
		errs = append(errs, errors.New("EOS_EMAIL_CONCURRENCY must be positive"))
	}
	if c.SMTPPort != "" {
		if _, err := strconv.Atoi(c.SMTPPort); err != nil {
			errs = append(errs, fmt.Errorf("SMTP_PORT %q is not a number", c.SMTPPort))
		}
	}
	if c.TrustedGroupsHeader != "" && c.TrustedEmailHeader == "" {
		errs = append(errs, errors.New("EOS_TRUSTED_GROUPS_HEADER requires EOS_TRUSTED_EMAIL_HEADER"))
	}
	if c.FinancialsDir != "" && c.FinancialsBucket != "" {
		errs = append(errs, errors.New("set only one of EOS_FINANCIALS_DIR and EOS_FINANCIALS_BUCKET"))
	}
	if c.FinancialsBucket != "" && c.MinioEndpoint == "" {
		errs = append(errs, errors.New("EOS_FINANCIALS_BUCKET requires MINIO_ENDPOINT"))
	}
	return errors.Join(errs...)
}

func (c Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		InitialDelay: c.RetryInitial,
		Multiplier:   c.RetryMultiplier,
		MaxRetries:   c.RetryMax,
	}
}

func (c Config) Email() email.Config {
	return email.Config{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		From:     c.SMTPFrom,
		FromName: c.SMTPFromName,
	}
}

func (c Config) Minio() financial.MinioConfig {
	return financial.MinioConfig{
		Endpoint:  c.MinioEndpoint,
		AccessKey: c.MinioAccessKey,
		SecretKey: c.MinioSecretKey,
		UseSSL:    c.MinioUseSSL,
		Bucket:    c.FinancialsBucket,
	}
}
