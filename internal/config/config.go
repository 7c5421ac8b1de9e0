package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "ILAI"
	defaultHTTPAddress   = "0.0.0.0:8787"
	defaultDatabasePath  = "ilai-edge.db"
	defaultLogLevel      = "info"
	defaultCookieName    = "app_session"
	defaultIssuer        = "ilai-origin"
	defaultOriginTimeout = 10 * time.Second
	defaultOriginRetries = 3
	defaultMailboxSize   = 256
	defaultIdleTimeout   = 5 * time.Minute
	defaultSessionTTL    = 24 * time.Hour
	defaultFlushDebounce = 5 * time.Second
)

var defaultAllowedOrigins = []string{
	"https://ilai.co.in",
	"https://www.ilai.co.in",
	"http://localhost:5173",
	"http://localhost:3000",
	"http://127.0.0.1:5173",
}

// AppConfig captures runtime configuration for the edge server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	OriginBaseURL     string
	OriginToken       string
	OriginTimeout     time.Duration
	OriginMaxRetries  int
	MailboxSize       int
	IdleTimeout       time.Duration
	SessionTTL        time.Duration
	FlushDebounce     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("origin.base_url", "")
	configViper.SetDefault("origin.token", "")
	configViper.SetDefault("origin.timeout", defaultOriginTimeout)
	configViper.SetDefault("origin.max_retries", defaultOriginRetries)
	configViper.SetDefault("actor.mailbox_size", defaultMailboxSize)
	configViper.SetDefault("actor.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("notes.flush_debounce", defaultFlushDebounce)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		OriginBaseURL:     configViper.GetString("origin.base_url"),
		OriginToken:       configViper.GetString("origin.token"),
		OriginTimeout:     configViper.GetDuration("origin.timeout"),
		OriginMaxRetries:  configViper.GetInt("origin.max_retries"),
		MailboxSize:       configViper.GetInt("actor.mailbox_size"),
		IdleTimeout:       configViper.GetDuration("actor.idle_timeout"),
		SessionTTL:        configViper.GetDuration("session.ttl"),
		FlushDebounce:     configViper.GetDuration("notes.flush_debounce"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("http.allowed_origins must not be empty")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if base := strings.TrimSpace(c.OriginBaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("origin.base_url must be an absolute url")
		}
	}
	if c.OriginTimeout <= 0 {
		return fmt.Errorf("origin.timeout must be positive")
	}
	if c.OriginMaxRetries < 0 {
		return fmt.Errorf("origin.max_retries must not be negative")
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("actor.mailbox_size must be positive")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("actor.idle_timeout must not be negative")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.FlushDebounce <= 0 {
		return fmt.Errorf("notes.flush_debounce must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
