package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/renewd/renewd/pkg/captcha"
	"github.com/renewd/renewd/pkg/mailbox"
	"github.com/renewd/renewd/pkg/renew"
	"github.com/renewd/renewd/pkg/session"
	"github.com/renewd/renewd/pkg/stores"
	"github.com/renewd/renewd/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration.
type Config struct {
	Provider    ProviderConfig    `yaml:"provider"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Captcha     CaptchaConfig     `yaml:"captcha"`
	Mailbox     MailboxConfig     `yaml:"mailbox"`
	Renewal     RenewalConfig     `yaml:"renewal"`
	Store       StoreConfig       `yaml:"store"`
	Report      ReportConfig      `yaml:"report"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ProviderConfig points at the hosting provider's customer portal.
type ProviderConfig struct {
	BaseURL   string   `yaml:"base_url" validate:"required,url"`
	UserAgent string   `yaml:"user_agent"`
	Timeout   Duration `yaml:"timeout"`
}

// CredentialsConfig holds the portal account credentials. TOTPSecret is
// empty when the account has no second factor enrolled.
type CredentialsConfig struct {
	Username   string `yaml:"username" validate:"required"`
	Password   string `yaml:"password"`
	TOTPSecret string `yaml:"totp_secret"`
}

// CaptchaConfig configures the two solver tiers. Either tier may be left
// unconfigured; with neither, a captcha-gated login fails the run.
type CaptchaConfig struct {
	Classifier ClassifierConfig `yaml:"classifier"`
	Remote     RemoteConfig     `yaml:"remote"`

	// Threshold is the minimum local-classifier confidence; below it the
	// remote tier is consulted.
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`
}

// ClassifierConfig configures the local WASM classifier tier.
type ClassifierConfig struct {
	ModulePath       string   `yaml:"module_path"`
	Timeout          Duration `yaml:"timeout"`
	MemoryLimitPages uint32   `yaml:"memory_limit_pages"`
}

// RemoteConfig configures the remote solving API tier.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	UserID  string   `yaml:"user_id"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// MailboxConfig configures the IMAP inbox holding the PIN messages.
type MailboxConfig struct {
	Address    string   `yaml:"address" validate:"required"`
	Username   string   `yaml:"username" validate:"required"`
	Password   string   `yaml:"password"`
	Folder     string   `yaml:"folder"`
	From       string   `yaml:"from"`
	Subject    string   `yaml:"subject"`
	PinPattern string   `yaml:"pin_pattern"`
	Timeout    Duration `yaml:"timeout"`
}

// RenewalConfig tunes the renewal flow and the retry policy.
type RenewalConfig struct {
	FreeContractMarker   string   `yaml:"free_contract_marker"`
	SettleDelay          Duration `yaml:"settle_delay"`
	PinFetchAttempts     int      `yaml:"pin_fetch_attempts" validate:"gte=0"`
	PinFetchInterval     Duration `yaml:"pin_fetch_interval"`
	MaxSameDayRetries    int      `yaml:"max_same_day_retries" validate:"gte=0"`
	RetryInterval        Duration `yaml:"retry_interval"`
	CadenceDays          int      `yaml:"cadence_days" validate:"gte=1"`
	RetriggerOnPinReject bool     `yaml:"retrigger_on_pin_reject"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ReportConfig controls outcome reporting.
type ReportConfig struct {
	// Path is where the last-outcome JSON document is written; empty
	// disables the file reporter and leaves only the log reporter.
	Path string `yaml:"path"`

	// HistoryKeep bounds the run history kept in the store.
	HistoryKeep int `yaml:"history_keep" validate:"gte=1"`
}

// TelemetryConfig mirrors telemetry.Config with YAML-friendly durations.
type TelemetryConfig struct {
	Environment string `yaml:"environment"`

	Logging struct {
		Level        string `yaml:"level"`
		Format       string `yaml:"format"`
		Output       string `yaml:"output"`
		EnableCaller bool   `yaml:"enable_caller"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled       bool     `yaml:"enabled"`
		Exporter      string   `yaml:"exporter"`
		Endpoint      string   `yaml:"endpoint"`
		Insecure      bool     `yaml:"insecure"`
		SamplingRate  float64  `yaml:"sampling_rate"`
		ExportTimeout Duration `yaml:"export_timeout"`
	} `yaml:"tracing"`

	Metrics struct {
		Enabled    bool   `yaml:"enabled"`
		Namespace  string `yaml:"namespace"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

// SessionConfig builds the portal client config from the provider
// defaults plus the file's overrides. Markers and selectors are not
// user-configurable; they change only when the provider changes its
// pages, which is a code change here too.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	sc.BaseURL = c.Provider.BaseURL
	if c.Provider.UserAgent != "" {
		sc.UserAgent = c.Provider.UserAgent
	}
	if c.Provider.Timeout > 0 {
		sc.Timeout = c.Provider.Timeout.Std()
	}
	return sc
}

// RenewCredentials builds the credential set handed to the orchestrator.
func (c *Config) RenewCredentials() renew.Credentials {
	return renew.Credentials{
		Username:   c.Credentials.Username,
		Password:   c.Credentials.Password,
		TOTPSecret: c.Credentials.TOTPSecret,
	}
}

// ClassifierConfig builds the WASM classifier config; ok is false when no
// local tier is configured.
func (c *Config) ClassifierConfig() (captcha.ClassifierConfig, bool) {
	if c.Captcha.Classifier.ModulePath == "" {
		return captcha.ClassifierConfig{}, false
	}
	return captcha.ClassifierConfig{
		ModulePath:       c.Captcha.Classifier.ModulePath,
		Confidence:       c.Captcha.Threshold,
		Timeout:          c.Captcha.Classifier.Timeout.Std(),
		MemoryLimitPages: c.Captcha.Classifier.MemoryLimitPages,
	}, true
}

// RemoteSolverConfig builds the remote solver config; ok is false when no
// remote tier is configured.
func (c *Config) RemoteSolverConfig() (captcha.RemoteConfig, bool) {
	if c.Captcha.Remote.URL == "" {
		return captcha.RemoteConfig{}, false
	}
	return captcha.RemoteConfig{
		URL:     c.Captcha.Remote.URL,
		UserID:  c.Captcha.Remote.UserID,
		APIKey:  c.Captcha.Remote.APIKey,
		Timeout: c.Captcha.Remote.Timeout.Std(),
	}, true
}

// MailboxReaderConfig builds the IMAP reader config.
func (c *Config) MailboxReaderConfig() mailbox.Config {
	mc := mailbox.DefaultConfig()
	mc.Address = c.Mailbox.Address
	mc.Username = c.Mailbox.Username
	mc.Password = c.Mailbox.Password
	if c.Mailbox.Folder != "" {
		mc.Folder = c.Mailbox.Folder
	}
	if c.Mailbox.From != "" {
		mc.From = c.Mailbox.From
	}
	if c.Mailbox.Subject != "" {
		mc.Subject = c.Mailbox.Subject
	}
	if c.Mailbox.PinPattern != "" {
		mc.PinPattern = c.Mailbox.PinPattern
	}
	if c.Mailbox.Timeout > 0 {
		mc.Timeout = c.Mailbox.Timeout.Std()
	}
	return mc
}

// OrchestratorConfig builds the renewal flow config.
func (c *Config) OrchestratorConfig() renew.Config {
	rc := renew.DefaultConfig()
	if c.Renewal.FreeContractMarker != "" {
		rc.FreeContractMarker = c.Renewal.FreeContractMarker
	}
	if c.Renewal.SettleDelay > 0 {
		rc.SettleDelay = c.Renewal.SettleDelay.Std()
	}
	if c.Renewal.PinFetchAttempts > 0 {
		rc.PinFetchAttempts = c.Renewal.PinFetchAttempts
	}
	if c.Renewal.PinFetchInterval > 0 {
		rc.PinFetchInterval = c.Renewal.PinFetchInterval.Std()
	}
	if c.Renewal.MaxSameDayRetries > 0 {
		rc.Policy.MaxSameDayRetries = c.Renewal.MaxSameDayRetries
	}
	if c.Renewal.RetryInterval > 0 {
		rc.Policy.RetryInterval = c.Renewal.RetryInterval.Std()
	}
	if c.Renewal.CadenceDays > 0 {
		rc.Policy.CadenceDays = c.Renewal.CadenceDays
	}
	rc.RetriggerOnPinReject = c.Renewal.RetriggerOnPinReject
	return rc
}

// StoreSQLiteConfig builds the store config.
func (c *Config) StoreSQLiteConfig() stores.Config {
	return stores.Config{Path: c.Store.Path}
}

// TelemetrySettings builds the telemetry config.
func (c *Config) TelemetrySettings(serviceVersion string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = serviceVersion
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	if c.Telemetry.Logging.Level != "" {
		tc.Logging.Level = c.Telemetry.Logging.Level
	}
	if c.Telemetry.Logging.Format != "" {
		tc.Logging.Format = c.Telemetry.Logging.Format
	}
	if c.Telemetry.Logging.Output != "" {
		tc.Logging.Output = c.Telemetry.Logging.Output
	}
	tc.Logging.EnableCaller = c.Telemetry.Logging.EnableCaller

	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	if c.Telemetry.Tracing.Endpoint != "" {
		tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	}
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	if c.Telemetry.Tracing.SamplingRate > 0 {
		tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	}
	if c.Telemetry.Tracing.ExportTimeout > 0 {
		tc.Tracing.ExportTimeout = c.Telemetry.Tracing.ExportTimeout.Std()
	}

	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	if c.Telemetry.Metrics.Namespace != "" {
		tc.Metrics.Namespace = c.Telemetry.Metrics.Namespace
	}
	if c.Telemetry.Metrics.ListenAddr != "" {
		tc.Metrics.ListenAddr = c.Telemetry.Metrics.ListenAddr
	}
	return tc
}
