package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets live here so
// the file itself stays shareable.
const (
	envUsername        = "RENEWD_USERNAME"
	envPassword        = "RENEWD_PASSWORD"
	envTOTPSecret      = "RENEWD_TOTP_SECRET"
	envMailboxUser     = "RENEWD_MAILBOX_USERNAME"
	envMailboxPassword = "RENEWD_MAILBOX_PASSWORD"
	envCaptchaUserID   = "RENEWD_CAPTCHA_USER_ID"
	envCaptchaAPIKey   = "RENEWD_CAPTCHA_API_KEY"
)

var validate = validator.New()

// Default returns the configuration defaults applied before the file is
// read.
func Default() *Config {
	cfg := &Config{}
	cfg.Provider.BaseURL = "https://support.euserv.com"
	cfg.Captcha.Threshold = 0.85
	cfg.Mailbox.Folder = "INBOX"
	cfg.Renewal.CadenceDays = 1
	cfg.Store.Path = "renewd.db"
	cfg.Report.HistoryKeep = 200
	return cfg
}

// Load reads, merges and validates the configuration: defaults, then the
// file, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration beyond what struct tags can express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Credentials.Password == "" {
		return fmt.Errorf("invalid configuration: account password missing (set credentials.password or %s)", envPassword)
	}
	if cfg.Mailbox.Password == "" {
		return fmt.Errorf("invalid configuration: mailbox password missing (set mailbox.password or %s)", envMailboxPassword)
	}
	if cfg.Captcha.Remote.URL != "" && cfg.Captcha.Remote.APIKey == "" {
		return fmt.Errorf("invalid configuration: captcha.remote.url set without an API key (set captcha.remote.api_key or %s)", envCaptchaAPIKey)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setFromEnv(&cfg.Credentials.Username, envUsername)
	setFromEnv(&cfg.Credentials.Password, envPassword)
	setFromEnv(&cfg.Credentials.TOTPSecret, envTOTPSecret)
	setFromEnv(&cfg.Mailbox.Username, envMailboxUser)
	setFromEnv(&cfg.Mailbox.Password, envMailboxPassword)
	setFromEnv(&cfg.Captcha.Remote.UserID, envCaptchaUserID)
	setFromEnv(&cfg.Captcha.Remote.APIKey, envCaptchaAPIKey)
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
