package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "civreg/pkg/platform/strings"
)

// Config is the full service configuration, read once at startup.
type Config struct {
	Server    Server
	Registry  Registry
	Database  Database
	Redis     RedisConfig
	Kafka     Kafka
	Reconcile Reconcile
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr       string
	LogLevel   string
	AdminToken string // guards the operator routes, empty disables them
}

// Registry holds the registry client settings. The first four are required;
// their absence is reported by the client at construction.
type Registry struct {
	LoginURL       string
	DataURL        string
	Secret         string
	WebhookAddress string

	ClientID         string
	PersonAttributes []string
	HTTPTimeout      time.Duration
}

// Missing lists the required registry keys that are unset.
func (r Registry) Missing() []string {
	var missing []string
	if r.LoginURL == "" {
		missing = append(missing, "HERA_LOGIN_URL")
	}
	if r.DataURL == "" {
		missing = append(missing, "HERA_DATA_URL")
	}
	if r.Secret == "" {
		missing = append(missing, "HERA_LOGIN_SECRET")
	}
	if r.WebhookAddress == "" {
		missing = append(missing, "HERA_WEBHOOK_ADDRESS")
	}
	return missing
}

// Database configures the Postgres connection. An empty URL selects the
// in-memory stores.
type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the optional distributed reconciliation lock.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the optional enrollment publisher.
type Kafka struct {
	Brokers         []string
	EnrollmentTopic string
}

// Reconcile holds the policy switches of the reconciliation engine.
type Reconcile struct {
	LoadMode       string
	CodeReuse      string
	RootRegionName string
	AuditUserID    int
	LockTTL        time.Duration
}

// DefaultPersonAttributes are requested from the registry when
// HERA_PERSON_ATTRIBUTES is unset.
var DefaultPersonAttributes = []string{
	"firstName", "lastName", "dob", "gender", "mobileNumber", "occupation",
	"residentialVillage", "registrationVillage",
}

// FromEnv builds the configuration from environment variables so main stays
// lean. Malformed values are errors; missing registry values are not, the
// registry client reports those itself.
func FromEnv() (Config, error) {
	var errs []string
	intVar := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return v
	}

	cfg := Config{
		Server: Server{
			Addr:       getOr("CIVREG_ADDR", ":8080"),
			LogLevel:   getOr("LOG_LEVEL", "info"),
			AdminToken: os.Getenv("ADMIN_API_TOKEN"),
		},
		Registry: Registry{
			LoginURL:         strings.TrimRight(os.Getenv("HERA_LOGIN_URL"), "/"),
			DataURL:          strings.TrimRight(os.Getenv("HERA_DATA_URL"), "/"),
			Secret:           os.Getenv("HERA_LOGIN_SECRET"),
			WebhookAddress:   os.Getenv("HERA_WEBHOOK_ADDRESS"),
			ClientID:         getOr("HERA_CLIENT_ID", "hera-m2m"),
			PersonAttributes: listOr("HERA_PERSON_ATTRIBUTES", DefaultPersonAttributes),
			HTTPTimeout:      durationVar("HERA_HTTP_TIMEOUT", 30*time.Second),
		},
		Database: Database{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    intVar("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    intVar("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: durationVar("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     intVar("REDIS_POOL_SIZE", 10),
			MinIdleConns: intVar("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  durationVar("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  durationVar("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: durationVar("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:         listOr("KAFKA_BROKERS", nil),
			EnrollmentTopic: getOr("KAFKA_ENROLLMENT_TOPIC", "civreg.household.registered"),
		},
		Reconcile: Reconcile{
			LoadMode:       getOr("RECONCILE_LOAD_MODE", "live"),
			CodeReuse:      getOr("CODE_REUSE_POLICY", "allow"),
			RootRegionName: getOr("ROOT_REGION_NAME", "The Gambia"),
			AuditUserID:    intVar("AUDIT_USER_ID", -1),
			LockTTL:        durationVar("RECONCILE_LOCK_TTL", 30*time.Second),
		},
	}

	switch cfg.Reconcile.LoadMode {
	case "live", "initial":
	default:
		errs = append(errs, fmt.Sprintf("RECONCILE_LOAD_MODE: unknown mode %q", cfg.Reconcile.LoadMode))
	}
	switch cfg.Reconcile.CodeReuse {
	case "allow", "deny":
	default:
		errs = append(errs, fmt.Sprintf("CODE_REUSE_POLICY: unknown policy %q", cfg.Reconcile.CodeReuse))
	}

	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func listOr(key string, def []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	return pstrings.SplitList(raw)
}
