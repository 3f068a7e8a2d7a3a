package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	NotifierLog      = "log"
	NotifierPostmark = "postmark"
	NotifierSMTP     = "smtp"
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	Environment   string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"false"`
	RedisURL      string `env:"REDIS_URL"`

	CartMaxItems              int      `env:"CART_MAX_ITEMS" envDefault:"10"`
	CartTTLHours              int      `env:"CART_TTL_HOURS" envDefault:"24"`
	DownloadSessionTTLMinutes int      `env:"DOWNLOAD_SESSION_TTL_MINUTES" envDefault:"60"`
	DownloadTokenTTLMinutes   int      `env:"DOWNLOAD_TOKEN_TTL_MINUTES" envDefault:"10"`
	FetchIntervalSeconds      int      `env:"FETCH_INTERVAL_SECONDS" envDefault:"30"`
	AllowedRecipientDomains   []string `env:"ALLOWED_RECIPIENT_DOMAINS" envSeparator:","`
	RatePolicyFile            string   `env:"RATE_POLICY_FILE"`
	AuditToDatabase           bool     `env:"AUDIT_TO_DATABASE" envDefault:"true"`

	MediaRoot        string `env:"MEDIA_ROOT" envDefault:"./media"`
	S3Bucket         string `env:"S3_BUCKET"`
	S3Region         string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKeyID    string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"false"`

	Notifier             string `env:"NOTIFIER" envDefault:"log"`
	MailFrom             string `env:"MAIL_FROM" envDefault:"library@localhost"`
	MailReplyTo          string `env:"MAIL_REPLY_TO"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SMTPHost             string `env:"SMTP_HOST"`
	SMTPPort             int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername         string `env:"SMTP_USERNAME"`
	SMTPPassword         string `env:"SMTP_PASSWORD"`
}

func (c *Config) CartTTL() time.Duration {
	return time.Duration(c.CartTTLHours) * time.Hour
}

func (c *Config) DownloadSessionTTL() time.Duration {
	return time.Duration(c.DownloadSessionTTLMinutes) * time.Minute
}

func (c *Config) DownloadTokenTTL() time.Duration {
	return time.Duration(c.DownloadTokenTTLMinutes) * time.Minute
}

func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", StorageDriverPostgres)
		}
	case StorageDriverMemory:
		if c.IsProduction() {
			log.Warn().Msg("STORAGE_DRIVER=memory in production: state is lost on restart and not shared between instances")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q", StorageDriverPostgres, StorageDriverMemory)
	}

	tokenTTL := c.DownloadTokenTTL()
	if tokenTTL < MinDownloadTokenTTL || tokenTTL > MaxDownloadTokenTTL {
		return fmt.Errorf("DOWNLOAD_TOKEN_TTL_MINUTES must be between %d and %d",
			int(MinDownloadTokenTTL.Minutes()), int(MaxDownloadTokenTTL.Minutes()))
	}
	if c.CartMaxItems <= 0 {
		return fmt.Errorf("CART_MAX_ITEMS must be positive")
	}
	if c.CartTTLHours <= 0 {
		return fmt.Errorf("CART_TTL_HOURS must be positive")
	}
	if c.DownloadSessionTTLMinutes <= 0 {
		return fmt.Errorf("DOWNLOAD_SESSION_TTL_MINUTES must be positive")
	}
	if c.FetchIntervalSeconds <= 0 {
		return fmt.Errorf("FETCH_INTERVAL_SECONDS must be positive")
	}

	switch c.Notifier {
	case NotifierLog:
		if c.IsProduction() {
			log.Warn().Msg("NOTIFIER=log in production: verification codes are only written to the log")
		}
	case NotifierPostmark:
		if c.PostmarkServerToken == "" || c.PostmarkAccountToken == "" {
			return fmt.Errorf("POSTMARK_SERVER_TOKEN and POSTMARK_ACCOUNT_TOKEN are required when NOTIFIER=%s", NotifierPostmark)
		}
	case NotifierSMTP:
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP_HOST, SMTP_USERNAME and SMTP_PASSWORD are required when NOTIFIER=%s", NotifierSMTP)
		}
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			return fmt.Errorf("SMTP_PORT must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("NOTIFIER must be one of %s, %s, %s", NotifierLog, NotifierPostmark, NotifierSMTP)
	}

	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("S3_REGION is required when S3_BUCKET is set")
	}

	if c.IsProduction() {
		if len(c.AllowedRecipientDomains) == 0 {
			log.Warn().Msg("ALLOWED_RECIPIENT_DOMAINS is empty in production: codes can be sent to any domain")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

// Load reads configuration from the environment. When envFile is not empty
// it is loaded first; variables already set in the environment win.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
