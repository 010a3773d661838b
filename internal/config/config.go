package config

import (
	"flag"
	"fmt"
	"gopkg.in/yaml.v2"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"os"
	"time"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func (c *DBCredential) Dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s",
		c.Address, c.Port, c.User, c.Password, c.Database)
}

// GetRedisAddress returns host:port.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

func (c *DBCredential) Configured() bool {
	return c.Address != ""
}

// Session backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Configuration struct
type Configuration struct {
	LogLevel         string                 `yaml:"log_level"`
	HTTP             HTTP                   `yaml:"http"`
	Session          Session                `yaml:"session"`
	RedisCredential  DBCredential           `yaml:"redis"`
	Postgres         DBCredential           `yaml:"postgres"`
	Kafka            Kafka                  `yaml:"kafka"`
	Identity         Identity               `yaml:"identity"`
	Connect          Connect                `yaml:"connect"`
	Networks         []chains.NetworkConfig `yaml:"networks"`
	SentryDSN        string                 `yaml:"sentry_dsn"`
	LarkAlarmWebhook string                 `yaml:"lark_alarm_webhook"`
	ReportSilence    time.Duration          `yaml:"report_silence"`
}

type HTTP struct {
	Listen             string `yaml:"listen"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	// AllowedOrigins limits websocket upgrades; empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Session struct {
	Backend   string        `yaml:"backend"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type Kafka struct {
	Servers string `yaml:"servers"`
	Topic   string `yaml:"topic"`
}

func (k Kafka) Enabled() bool {
	return k.Servers != ""
}

type Identity struct {
	RPCURL        string        `yaml:"rpc_url"`
	Concurrency   int           `yaml:"concurrency"`
	RatePerSecond int           `yaml:"rate_per_second"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type Connect struct {
	// RequestTimeout bounds each wallet request; zero waits forever.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the configuration used for any field the file omits.
func Default() Configuration {
	return Configuration{
		LogLevel: "info",
		HTTP: HTTP{
			Listen:             ":8080",
			RateLimitPerMinute: 60,
		},
		Session: Session{
			Backend:   BackendMemory,
			KeyPrefix: "moff_connect:session:",
		},
		Kafka: Kafka{
			Topic: "connect_events",
		},
		Identity: Identity{
			Concurrency:   4,
			RatePerSecond: 10,
			LookupTimeout: 10 * time.Second,
		},
		Networks:      chains.Defaults(),
		ReportSilence: time.Minute,
	}
}

// Validate checks cross-field constraints.
func (c *Configuration) Validate() error {
	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if !c.RedisCredential.Configured() {
			return errors.New("session backend redis requires redis credential")
		}
	case BackendPostgres:
		if !c.Postgres.Configured() {
			return errors.New("session backend postgres requires postgres credential")
		}
	default:
		return errors.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if _, err := chains.NewValidator(c.Networks); err != nil {
		return errors.Wrap(err, "networks")
	}
	return nil
}

// Parse decodes yaml on top of Default.
func Parse(data []byte) (Configuration, error) {
	t := Default()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, errors.Wrap(err, "decode config")
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Load reads and parses the file at path.
func Load(path string) (Configuration, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Configuration{}, errors.Errorf("file %s does not exist", path)
		}
		return Configuration{}, errors.Wrap(err, "read config")
	}
	return Parse(dat)
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	log.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := Load(*configFilePath)
	if err != nil {
		log.Fatal(err)
	}
	Global = &globalConfig
}
