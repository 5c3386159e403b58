package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol expiry horizons. These are part of the handoff protocol rather
// than deployment tuning, so they are constants with env-only overrides.
const (
	DefaultOTPTTL         = 10 * time.Minute
	DefaultClaimTokenTTL  = 5 * time.Minute
	DefaultAuthRequestTTL = 30 * time.Minute
	DefaultSessionTTL     = 7 * 24 * time.Hour
	DefaultSweepInterval  = 5 * time.Minute
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	SMTP   SMTPConfig   `yaml:"smtp"`
	Auth   AuthConfig   `yaml:"auth"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig lists the relying-site origins allowed to call the protocol API
// from the browser.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// StoreConfig selects the durable store implementation.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// SMTPConfig configures outbound OTP mail.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// AuthConfig holds account policy: which email domains may register and the
// affiliation allow-lists used by profile completion.
type AuthConfig struct {
	AllowedEmailDomains []string `yaml:"allowed_email_domains"`
	Branches            []string `yaml:"branches"`
	Batches             []string `yaml:"batches"`

	SessionTTL        time.Duration `yaml:"-"`
	OTPTTL            time.Duration `yaml:"-"`
	ClaimTTL          time.Duration `yaml:"-"`
	RequestTTL        time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`
	KeyRotateInterval time.Duration `yaml:"-"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
			TLS: TLSConfig{
				HSTSMaxAge: 31536000,
			},
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		SMTP: SMTPConfig{
			Port: 587,
			From: "noreply@alt-auth.com",
		},
		Auth: AuthConfig{
			AllowedEmailDomains: []string{
				"iiit.ac.in",
				"students.iiit.ac.in",
				"research.iiit.ac.in",
			},
			Branches: []string{"CSD", "CND", "CHD", "CGD", "CSE", "ECE", "EEE", "ME", "CE"},
			Batches:  []string{"2020", "2021", "2022", "2023", "2024", "2025", "2026", "2027"},

			SessionTTL:    DefaultSessionTTL,
			OTPTTL:        DefaultOTPTTL,
			ClaimTTL:      DefaultClaimTokenTTL,
			RequestTTL:    DefaultAuthRequestTTL,
			SweepInterval: DefaultSweepInterval,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"ALTAUTH_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"ALTAUTH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"ALTAUTH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"ALTAUTH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"ALTAUTH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"ALTAUTH_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"ALTAUTH_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"ALTAUTH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"ALTAUTH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"ALTAUTH_STORE_DRIVER":             func(v string) { cfg.Store.Driver = v },
		"ALTAUTH_STORE_PATH":               func(v string) { cfg.Store.Path = v },
		"ALTAUTH_SMTP_HOST":                func(v string) { cfg.SMTP.Host = v },
		"ALTAUTH_SMTP_PORT":                func(v string) { cfg.SMTP.Port = parseInt(v, cfg.SMTP.Port) },
		"ALTAUTH_SMTP_USERNAME":            func(v string) { cfg.SMTP.Username = v },
		"ALTAUTH_SMTP_PASSWORD":            func(v string) { cfg.SMTP.Password = v },
		"ALTAUTH_SMTP_FROM":                func(v string) { cfg.SMTP.From = v },
		"ALTAUTH_AUTH_EMAIL_DOMAINS":       func(v string) { cfg.Auth.AllowedEmailDomains = splitAndTrim(v) },
		"ALTAUTH_AUTH_SESSION_TTL":         func(v string) { cfg.Auth.SessionTTL = parseDuration(v, cfg.Auth.SessionTTL) },
		"ALTAUTH_AUTH_SWEEP_INTERVAL":      func(v string) { cfg.Auth.SweepInterval = parseDuration(v, cfg.Auth.SweepInterval) },
		"ALTAUTH_AUTH_KEY_ROTATE_INTERVAL": func(v string) { cfg.Auth.KeyRotateInterval = parseDuration(v, cfg.Auth.KeyRotateInterval) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if !c.Server.DevMode && c.SMTP.Host == "" {
		return errors.New("smtp.host is required in production")
	}

	switch c.Store.Driver {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be 'memory' or 'sqlite', got: %s", c.Store.Driver)
	}

	if len(c.Auth.AllowedEmailDomains) == 0 {
		return errors.New("auth.allowed_email_domains must not be empty")
	}
	return nil
}
