package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// MaxSessionTimeout caps the session lifetime at three months.
const MaxSessionTimeout = 129_600 * time.Minute

const (
	defaultSessionTimeout     = 3 * 24 * time.Hour
	defaultSSORefreshInterval = 5 * time.Minute
)

// Default SSO header names, overridable per deployment.
const (
	DefaultSSOLoginHeader  = "X-Forwarded-Login"
	DefaultSSONameHeader   = "X-Forwarded-Name"
	DefaultSSOEmailHeader  = "X-Forwarded-Email"
	DefaultSSOGroupsHeader = "X-Forwarded-Groups"
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Environment  string
	HTTPAddr     string
	OTLPEndpoint string

	AuthCookieSecure bool
	SessionTimeout   time.Duration
	APIPrefix        string

	SSOEnabled         bool
	SSOLoginHeader     string
	SSONameHeader      string
	SSOEmailHeader     string
	SSOGroupsHeader    string
	SSORefreshInterval time.Duration

	ForceAuthentication bool
	DowncaseLogin       bool
	MultiOrgEnabled     bool

	RealmName string

	ProvidersFile string

	BootstrapAdmin bool

	RedisAddr              string
	RedisPassword          string
	LoginAttemptsPerMinute int
	LoginAttemptBurst      int

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Load loads configuration from environment variables and .env file.
// A session timeout outside (0, 3 months] is a deployment error and
// refuses to start.
func Load() (Config, error) {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	sessionTimeoutMinutes, err := getenvInt64("SESSION_TIMEOUT_MINUTES", int64(defaultSessionTimeout/time.Minute))
	if err != nil {
		return Config{}, err
	}
	sessionTimeout := time.Duration(sessionTimeoutMinutes) * time.Minute
	if sessionTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_TIMEOUT_MINUTES must be strictly positive, got %d", sessionTimeout/time.Minute)
	}
	if sessionTimeout > MaxSessionTimeout {
		return Config{}, fmt.Errorf("SESSION_TIMEOUT_MINUTES must not be greater than 3 months (%d minutes), got %d",
			MaxSessionTimeout/time.Minute, sessionTimeout/time.Minute)
	}

	ssoRefreshMinutes, err := getenvInt64("SSO_REFRESH_INTERVAL_MINUTES", int64(defaultSSORefreshInterval/time.Minute))
	if err != nil {
		return Config{}, err
	}
	loginAttempts, err := getenvInt64("LOGIN_ATTEMPTS_PER_MINUTE", 10)
	if err != nil {
		return Config{}, err
	}
	loginBurst, err := getenvInt64("LOGIN_ATTEMPT_BURST", 10)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "gatekeeper"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		AuthCookieSecure: authCookieSecure,
		SessionTimeout:   sessionTimeout,
		APIPrefix:        getenv("API_PREFIX", "/api"),

		SSOEnabled:         getenvBool("SSO_ENABLED", false),
		SSOLoginHeader:     getenv("SSO_LOGIN_HEADER", DefaultSSOLoginHeader),
		SSONameHeader:      getenv("SSO_NAME_HEADER", DefaultSSONameHeader),
		SSOEmailHeader:     getenv("SSO_EMAIL_HEADER", DefaultSSOEmailHeader),
		SSOGroupsHeader:    getenv("SSO_GROUPS_HEADER", DefaultSSOGroupsHeader),
		SSORefreshInterval: time.Duration(ssoRefreshMinutes) * time.Minute,

		ForceAuthentication: getenvBool("FORCE_AUTHENTICATION", false),
		DowncaseLogin:       getenvBool("DOWNCASE_LOGIN", false),
		MultiOrgEnabled:     getenvBool("MULTI_ORG_ENABLED", false),

		RealmName: getenv("REALM_NAME", ""),

		ProvidersFile: getenv("PROVIDERS_FILE", ""),

		BootstrapAdmin: getenvBool("BOOTSTRAP_ADMIN", false),

		RedisAddr:              getenv("REDIS_ADDR", ""),
		RedisPassword:          getenv("REDIS_PASSWORD", ""),
		LoginAttemptsPerMinute: int(loginAttempts),
		LoginAttemptBurst:      int(loginBurst),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "gatekeeper"),
		DBUser:     getenv("DATABASE_USER", "gatekeeper"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// getenvInt64 rejects malformed values instead of silently falling
// back to the default: a typo in a bounded setting must not start the
// server with a value the operator never asked for.
func getenvInt64(key string, def int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return parsed, nil
}
