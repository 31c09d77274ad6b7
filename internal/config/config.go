package config

import (
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Port        string
	LogLevel    string
	APIToken    string

	DBHost     string
	DBPort     string
	DBUsername string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// ServiceAddress is the mailbox the service sends from and listens on.
	ServiceAddress string
	ServiceName    string
	// ApproverAddress is the only identity whose replies can trigger a broadcast.
	ApproverAddress string
	ApprovalMarker  string
	RejectionMarker string

	IMAPServer        string
	IMAPUsername      string
	IMAPPassword      string
	IMAPUseTLS        bool
	IMAPInboxFolder   string
	IMAPSentFolder    string
	IMAPDialTimeout   time.Duration
	IMAPLoginTimeout  time.Duration
	IMAPPollInterval  time.Duration
	IMAPReconnectWait time.Duration
	ScanLookback      time.Duration
	SentAppend        bool

	SMTPServer      string
	SMTPUsername    string
	SMTPPassword    string
	SMTPTLSMode     string
	SMTPDialTimeout time.Duration

	BatchSize   int
	BatchDelay  time.Duration
	DailyCap    int
	DailyWindow time.Duration
	SendRetries int

	OTPTTL             time.Duration
	OTPMaxAttempts     int
	MaxAttachmentBytes int64
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILGATE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment: env,
		Port:        getEnvOrDefault("PORT", "8080"),
		LogLevel:    getEnvOrDefault("MAILGATE_LOG_LEVEL", "info"),
		APIToken:    os.Getenv("MAILGATE_API_TOKEN"),

		DBHost:     getEnvOrDefault("MAILGATE_DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("MAILGATE_DB_PORT", "5432"),
		DBUsername: getEnvOrDefault("MAILGATE_DB_USER", "mailgate"),
		DBPassword: os.Getenv("MAILGATE_DB_PASSWORD"),
		DBName:     getEnvOrDefault("MAILGATE_DB_NAME", "mailgate"),
		DBSSLMode:  getEnvOrDefault("MAILGATE_DB_SSLMODE", "disable"),

		ServiceAddress:  strings.ToLower(os.Getenv("MAILGATE_SERVICE_ADDRESS")),
		ServiceName:     getEnvOrDefault("MAILGATE_SERVICE_NAME", "Mailgate"),
		ApproverAddress: strings.ToLower(os.Getenv("MAILGATE_APPROVER_ADDRESS")),
		ApprovalMarker:  getEnvOrDefault("MAILGATE_APPROVAL_MARKER", "[approved]"),
		RejectionMarker: getEnvOrDefault("MAILGATE_REJECTION_MARKER", "[rejected]"),

		IMAPServer:        os.Getenv("MAILGATE_IMAP_SERVER"),
		IMAPUsername:      os.Getenv("MAILGATE_IMAP_USER"),
		IMAPPassword:      os.Getenv("MAILGATE_IMAP_PASSWORD"),
		IMAPUseTLS:        getEnvBool("MAILGATE_IMAP_TLS", true),
		IMAPInboxFolder:   getEnvOrDefault("MAILGATE_IMAP_INBOX", "INBOX"),
		IMAPSentFolder:    getEnvOrDefault("MAILGATE_IMAP_SENT_FOLDER", "[Gmail]/Sent Mail"),
		IMAPDialTimeout:   getEnvDuration("MAILGATE_IMAP_DIAL_TIMEOUT", 5*time.Second),
		IMAPLoginTimeout:  getEnvDuration("MAILGATE_IMAP_LOGIN_TIMEOUT", 10*time.Second),
		IMAPPollInterval:  getEnvDuration("MAILGATE_IMAP_POLL_INTERVAL", time.Minute),
		IMAPReconnectWait: getEnvDuration("MAILGATE_IMAP_RECONNECT_DELAY", 5*time.Second),
		ScanLookback:      getEnvDuration("MAILGATE_SCAN_LOOKBACK", 24*time.Hour),
		SentAppend:        getEnvBool("MAILGATE_SENT_APPEND", false),

		SMTPServer:      os.Getenv("MAILGATE_SMTP_SERVER"),
		SMTPUsername:    os.Getenv("MAILGATE_SMTP_USER"),
		SMTPPassword:    os.Getenv("MAILGATE_SMTP_PASSWORD"),
		SMTPTLSMode:     getEnvOrDefault("MAILGATE_SMTP_TLS", "starttls"),
		SMTPDialTimeout: getEnvDuration("MAILGATE_SMTP_DIAL_TIMEOUT", 10*time.Second),

		BatchSize:   getEnvInt("MAILGATE_BATCH_SIZE", 100),
		BatchDelay:  getEnvDuration("MAILGATE_BATCH_DELAY", 3*time.Second),
		DailyCap:    getEnvInt("MAILGATE_DAILY_CAP", 500),
		DailyWindow: getEnvDuration("MAILGATE_DAILY_WINDOW", 24*time.Hour),
		SendRetries: getEnvInt("MAILGATE_SEND_RETRIES", 2),

		OTPTTL:             getEnvDuration("MAILGATE_OTP_TTL", 15*time.Minute),
		OTPMaxAttempts:     getEnvInt("MAILGATE_OTP_MAX_ATTEMPTS", 5),
		MaxAttachmentBytes: int64(getEnvInt("MAILGATE_MAX_ATTACHMENT_BYTES", 10*1024*1024)),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("MAILGATE_DB_PASSWORD is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("MAILGATE_API_TOKEN is required")
	}

	if _, err := mail.ParseAddress(c.ServiceAddress); err != nil {
		return fmt.Errorf("MAILGATE_SERVICE_ADDRESS must be a valid email address: %w", err)
	}

	if _, err := mail.ParseAddress(c.ApproverAddress); err != nil {
		return fmt.Errorf("MAILGATE_APPROVER_ADDRESS must be a valid email address: %w", err)
	}

	if c.IMAPServer == "" || c.IMAPUsername == "" || c.IMAPPassword == "" {
		return fmt.Errorf("MAILGATE_IMAP_SERVER, MAILGATE_IMAP_USER and MAILGATE_IMAP_PASSWORD are required")
	}

	if c.SMTPServer == "" {
		return fmt.Errorf("MAILGATE_SMTP_SERVER is required")
	}

	switch c.SMTPTLSMode {
	case "tls", "starttls", "none":
	default:
		return fmt.Errorf("MAILGATE_SMTP_TLS must be one of tls, starttls, none; got %q", c.SMTPTLSMode)
	}

	if strings.TrimSpace(c.ApprovalMarker) == "" {
		return fmt.Errorf("MAILGATE_APPROVAL_MARKER must not be empty")
	}

	if c.BatchSize <= 0 || c.DailyCap <= 0 {
		return fmt.Errorf("MAILGATE_BATCH_SIZE and MAILGATE_DAILY_CAP must be positive")
	}

	// A batch larger than the cap could never be sent.
	if c.BatchSize > c.DailyCap {
		return fmt.Errorf("MAILGATE_BATCH_SIZE (%d) must not exceed MAILGATE_DAILY_CAP (%d)", c.BatchSize, c.DailyCap)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: invalid integer for %s (%q), using default %d\n", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		fmt.Printf("Warning: invalid boolean for %s (%q), using default %t\n", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("Warning: invalid duration for %s (%q), using default %s\n", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
