package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	DBPath     string `validate:"required"`
	RawMailDir string `validate:"required"`
	OutputDir  string `validate:"required"`

	LogLevel  string
	LogFormat string `validate:"oneof=json console"`

	AIMappingEnabled      bool
	AIMappingBaseURL      string `validate:"omitempty,url"`
	AIMappingAPIKey       string
	AIMappingModel        string
	AIMappingTimeoutMs    int `validate:"gt=0"`
	AIMappingRateLimitRPS int `validate:"gt=0"`
	AIMappingMaxAttempts  int `validate:"gte=1,lte=10"`

	ImportPreviewRows  int   `validate:"gte=0"`
	ImportChunkSize    int   `validate:"gte=1,lte=1000"`
	ImportMaxFileBytes int64 `validate:"gt=0"`
	PostalRegistryPath string

	DuplicateHighThreshold   float64 `validate:"gte=0,lte=1"`
	DuplicateMediumThreshold float64 `validate:"gte=0,lte=1,ltefield=DuplicateHighThreshold"`
	FormatRenameThreshold    float64 `validate:"gte=0,lte=1"`

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	MailListenerProvider     string
	MailListenerLabel        string
	MailListenerIntervalSec  int `validate:"gt=0"`
	MailListenerFetchMax     int `validate:"gt=0"`
	MailListenerProcessBatch int `validate:"gt=0"`
	MailListenerAutoValidate bool

	MailImportOrganizationID string
	MailImportUserID         string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     getEnv("DB_PATH", filepath.Join(cwd, "data", "app.db")),
		RawMailDir: getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),
		OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "console")),

		AIMappingEnabled:      getEnvBool("AI_MAPPING_ENABLED", false),
		AIMappingBaseURL:      getEnv("AI_MAPPING_BASE_URL", "https://api.openai.com/v1"),
		AIMappingAPIKey:       getEnv("AI_MAPPING_API_KEY", ""),
		AIMappingModel:        getEnv("AI_MAPPING_MODEL", "gpt-4o-mini"),
		AIMappingTimeoutMs:    getEnvInt("AI_MAPPING_TIMEOUT_MS", 10000),
		AIMappingRateLimitRPS: getEnvInt("AI_MAPPING_RATE_LIMIT_RPS", 2),
		AIMappingMaxAttempts:  getEnvInt("AI_MAPPING_MAX_ATTEMPTS", 3),

		ImportPreviewRows:  getEnvInt("IMPORT_PREVIEW_ROWS", 10),
		ImportChunkSize:    getEnvInt("IMPORT_CHUNK_SIZE", 100),
		ImportMaxFileBytes: int64(getEnvInt("IMPORT_MAX_FILE_BYTES", 20<<20)),
		PostalRegistryPath: getEnv("POSTAL_REGISTRY_PATH", ""),

		DuplicateHighThreshold:   getEnvFloat("DUPLICATE_HIGH_THRESHOLD", 0.7),
		DuplicateMediumThreshold: getEnvFloat("DUPLICATE_MEDIUM_THRESHOLD", 0.5),
		FormatRenameThreshold:    getEnvFloat("FORMAT_RENAME_THRESHOLD", 0.6),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		MailListenerProvider:     getEnv("MAIL_LISTENER_PROVIDER", "gmail"),
		MailListenerLabel:        getEnv("MAIL_LISTENER_LABEL", "INBOX"),
		MailListenerIntervalSec:  getEnvInt("MAIL_LISTENER_INTERVAL_SEC", 60),
		MailListenerFetchMax:     getEnvInt("MAIL_LISTENER_FETCH_MAX", 20),
		MailListenerProcessBatch: getEnvInt("MAIL_LISTENER_PROCESS_BATCH", 20),
		MailListenerAutoValidate: getEnvBool("MAIL_LISTENER_AUTO_VALIDATE", true),

		MailImportOrganizationID: getEnv("MAIL_IMPORT_ORGANIZATION_ID", ""),
		MailImportUserID:         getEnv("MAIL_IMPORT_USER_ID", "mail-import"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that the getEnv helpers cannot enforce.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %q (value %v)", fe.StructField(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
