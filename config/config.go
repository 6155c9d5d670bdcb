package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/syscl0ck/security-feed-ntfy/scoring"
)

// DefaultPath is used when neither --config nor SEC_ALERTS_CONFIG is given.
const DefaultPath = "config.yaml"

// DefaultMinSeverity applies when neither min_severity nor min_cvss is set.
const DefaultMinSeverity = 8.8

// ConfigError reports an unusable configuration. It is fatal at startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config holds all application configuration.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Notifier NotifierConfig `yaml:"notifier"`
	Filters  FiltersConfig  `yaml:"filters"`
	Feeds    FeedsConfig    `yaml:"feeds"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Timezone         string `yaml:"timezone" validate:"required"`
	Mode             string `yaml:"mode" validate:"oneof=instant digest"`
	DBPath           string `yaml:"db_path" validate:"required"`
	DigestOutput     string `yaml:"digest_output"`
	DigestHTMLOutput string `yaml:"digest_html_output"`
	DigestWindow     string `yaml:"digest_window" validate:"oneof=cycle persistent"`
	DigestMinItems   int    `yaml:"digest_min_items" validate:"gte=0"`
	DigestTopN       int    `yaml:"digest_top_n" validate:"gte=1,lte=50"`
	Schedule         string `yaml:"schedule"`
	CycleTimeoutSecs int    `yaml:"cycle_timeout_secs" validate:"gte=0"`
	FetchTimeoutSecs int    `yaml:"fetch_timeout_secs" validate:"gte=1"`
	FetchConcurrency int    `yaml:"fetch_concurrency" validate:"gte=1,lte=32"`
	LogLevel         string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFile          string `yaml:"log_file"`
}

// NotifierConfig selects and configures the notification target.
type NotifierConfig struct {
	Kind          string            `yaml:"kind" validate:"oneof=ntfy telegram"`
	BaseURL       string            `yaml:"base_url" validate:"omitempty,url"`
	Topic         string            `yaml:"topic"`
	Token         string            `yaml:"token"`
	Priority      string            `yaml:"priority" validate:"oneof=min low default high urgent"`
	Headers       map[string]string `yaml:"headers"`
	RetryAttempts int               `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	MinIntervalMS int               `yaml:"min_interval_ms" validate:"gte=0"`
	Telegram      TelegramConfig    `yaml:"telegram"`
}

// TelegramConfig holds the Telegram bot target.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// FiltersConfig is the scoring rule set.
type FiltersConfig struct {
	Keywords       []string `yaml:"keywords"`
	DenyKeywords   []string `yaml:"deny_keywords"`
	UrgentTerms    []string `yaml:"urgent_terms"`
	MinSeverity    *float64 `yaml:"min_severity" validate:"omitempty,gte=0,lte=10"`
	MinCVSS        *float64 `yaml:"min_cvss" validate:"omitempty,gte=0,lte=10"`
	KEVAlwaysAlert bool     `yaml:"kev_always_alert"`
}

// FeedsConfig lists the sources, fetched in this order: rss, kev, nvd.
type FeedsConfig struct {
	RSS []RSSFeed `yaml:"rss" validate:"dive"`
	KEV KEVFeed   `yaml:"kev"`
	NVD NVDFeed   `yaml:"nvd"`
}

// RSSFeed is one syndication feed.
type RSSFeed struct {
	Name           string `yaml:"name" validate:"required"`
	URL            string `yaml:"url" validate:"required,url"`
	Category       string `yaml:"category" validate:"omitempty,oneof=news cve kev"`
	ExtractContent bool   `yaml:"extract_content"`
}

// KEVFeed configures the CISA KEV catalog source.
type KEVFeed struct {
	Enabled   bool   `yaml:"enabled"`
	Name      string `yaml:"name"`
	URL       string `yaml:"url" validate:"omitempty,url"`
	SinceDays int    `yaml:"since_days" validate:"gte=0"`
}

// NVDFeed configures the NVD CVE API source.
type NVDFeed struct {
	Enabled       bool   `yaml:"enabled"`
	Name          string `yaml:"name"`
	URL           string `yaml:"url" validate:"omitempty,url"`
	APIKey        string `yaml:"api_key"`
	LookbackHours int    `yaml:"lookback_hours" validate:"gte=1,lte=2880"`
	ResultsPerRun int    `yaml:"results_per_run" validate:"gte=1,lte=2000"`
}

// Defaults returns a Config with all default values set.
func Defaults() Config {
	return Config{
		App: AppConfig{
			Timezone:         "UTC",
			Mode:             "instant",
			DBPath:           "data/alerts.sqlite",
			DigestOutput:     "data/digest.md",
			DigestWindow:     "cycle",
			DigestTopN:       5,
			Schedule:         "*/15 * * * *",
			CycleTimeoutSecs: 300,
			FetchTimeoutSecs: 20,
			FetchConcurrency: 4,
			LogLevel:         "info",
		},
		Notifier: NotifierConfig{
			Kind:          "ntfy",
			BaseURL:       "https://ntfy.sh",
			Priority:      "high",
			RetryAttempts: 3,
			MinIntervalMS: 500,
		},
		Filters: FiltersConfig{
			UrgentTerms:    append([]string(nil), scoring.DefaultUrgentTerms...),
			KEVAlwaysAlert: true,
		},
		Feeds: FeedsConfig{
			KEV: KEVFeed{SinceDays: 7},
			NVD: NVDFeed{LookbackHours: 24, ResultsPerRun: 200},
		},
	}
}

// Load reads a YAML config file over Defaults and returns a validated Config.
// A .env file next to the config is loaded first without overriding the
// environment. SEC_ALERTS_CONFIG overrides path; SEC_ALERTS_DB,
// SEC_ALERTS_NTFY_TOPIC, SEC_ALERTS_NTFY_TOKEN, SEC_ALERTS_TELEGRAM_TOKEN and
// NVD_API_KEY override the matching fields.
func Load(path string) (Config, error) {
	if envPath := os.Getenv("SEC_ALERTS_CONFIG"); envPath != "" {
		path = envPath
	}
	if path == "" {
		path = DefaultPath
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Path: path, Err: fmt.Errorf("reading file: %w", err)}
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing yaml: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SEC_ALERTS_DB"); v != "" {
		c.App.DBPath = v
	}
	if v := os.Getenv("SEC_ALERTS_NTFY_TOPIC"); v != "" {
		c.Notifier.Topic = v
	}
	if v := os.Getenv("SEC_ALERTS_NTFY_TOKEN"); v != "" {
		c.Notifier.Token = v
	}
	if v := os.Getenv("SEC_ALERTS_TELEGRAM_TOKEN"); v != "" {
		c.Notifier.Telegram.Token = v
	}
	if v := os.Getenv("NVD_API_KEY"); v != "" {
		c.Feeds.NVD.APIKey = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that required fields are present and values are valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}

	if c.App.Schedule != "" {
		if _, err := cron.ParseStandard(c.App.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.App.Schedule, err)
		}
	}

	if c.Notifier.Kind == "telegram" {
		if c.Notifier.Telegram.Token == "" {
			return errors.New("notifier.telegram.token is required for the telegram notifier")
		}
		if c.Notifier.Telegram.ChatID == 0 {
			return errors.New("notifier.telegram.chat_id is required for the telegram notifier")
		}
	}

	names := make(map[string]bool)
	for _, f := range c.Feeds.RSS {
		if names[f.Name] {
			return fmt.Errorf("duplicate feed name %q", f.Name)
		}
		names[f.Name] = true
	}

	if len(c.Feeds.RSS) == 0 && !c.Feeds.KEV.Enabled && !c.Feeds.NVD.Enabled {
		return errors.New("no feeds configured")
	}

	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.app.mode"; drop the root type name.
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: must satisfy %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: %s", field, fe.Tag())
}

// Location returns the configured timezone. Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Threshold resolves min_severity, falling back to the legacy min_cvss key.
func (f FiltersConfig) Threshold() float64 {
	switch {
	case f.MinSeverity != nil:
		return *f.MinSeverity
	case f.MinCVSS != nil:
		return *f.MinCVSS
	default:
		return DefaultMinSeverity
	}
}

// Scoring returns the filter snapshot for one cycle.
func (c Config) Scoring() scoring.FilterConfig {
	return scoring.FilterConfig{
		Keywords:       c.Filters.Keywords,
		DenyKeywords:   c.Filters.DenyKeywords,
		UrgentTerms:    c.Filters.UrgentTerms,
		MinSeverity:    c.Filters.Threshold(),
		KEVAlwaysAlert: c.Filters.KEVAlwaysAlert,
	}.Normalize()
}

// CycleTimeout returns the whole-cycle deadline, zero meaning none.
func (c Config) CycleTimeout() time.Duration {
	return time.Duration(c.App.CycleTimeoutSecs) * time.Second
}

// FetchTimeout returns the per-request HTTP timeout for feeds.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.App.FetchTimeoutSecs) * time.Second
}

// NotifyInterval returns the minimum spacing between notifications.
func (c Config) NotifyInterval() time.Duration {
	return time.Duration(c.Notifier.MinIntervalMS) * time.Millisecond
}
