// Package config loads bridge configuration from a YAML file overlaid with
// BRIDGE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// BRIDGE_REGISTRY_BACKEND overrides registry.backend.
const EnvPrefix = "BRIDGE"

type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`

	Relay struct {
		ListenAddr string `mapstructure:"listen_addr"`
		// CallbackURL is the API Gateway management endpoint used when the
		// relay runs as a Lambda behind a WebSocket API.
		CallbackURL string `mapstructure:"callback_url"`
	} `mapstructure:"relay"`

	Registry RegistryConfig `mapstructure:"registry"`

	Supervisor SupervisorConfig `mapstructure:"supervisor"`

	Payload PayloadConfig `mapstructure:"payload"`

	History struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"history"`

	Events struct {
		RedisAddr string `mapstructure:"redis_addr"`
		Channel   string `mapstructure:"channel"`
	} `mapstructure:"events"`
}

type RegistryConfig struct {
	Backend string `mapstructure:"backend"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	DynamoDB struct {
		Table string `mapstructure:"table"`
	} `mapstructure:"dynamodb"`

	Etcd struct {
		Endpoints []string `mapstructure:"endpoints"`
		Prefix    string   `mapstructure:"prefix"`
	} `mapstructure:"etcd"`
}

type SupervisorConfig struct {
	RelayURL         string           `mapstructure:"relay_url"`
	Concurrency      int              `mapstructure:"concurrency"`
	BuildWait        time.Duration    `mapstructure:"build_wait"`
	ReconnectInitial time.Duration    `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration    `mapstructure:"reconnect_max"`
	Functions        []FunctionConfig `mapstructure:"functions"`
}

// FunctionConfig maps a deployed function id to the local command that runs it.
// Env entries are KEY=VALUE so that key case survives viper. Build, when set,
// runs before the first start and on every rebuild request.
type FunctionConfig struct {
	ID      string   `mapstructure:"id"`
	Command []string `mapstructure:"command"`
	Build   []string `mapstructure:"build"`
	Dir     string   `mapstructure:"dir"`
	Env     []string `mapstructure:"env"`
}

// EnvMap splits the KEY=VALUE entries of f.Env.
func (f FunctionConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(f.Env))
	for _, kv := range f.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

type PayloadConfig struct {
	Store          string `mapstructure:"store"`
	Path           string `mapstructure:"path"`
	Bucket         string `mapstructure:"bucket"`
	MaxInlineBytes int    `mapstructure:"max_inline_bytes"`
}

// StubConfig is read by the deployed stub from its Lambda environment.
type StubConfig struct {
	RelayURL      string        `mapstructure:"relay_url"`
	FunctionID    string        `mapstructure:"function_id"`
	SafetyMargin  time.Duration `mapstructure:"safety_margin"`
	DefaultBudget time.Duration `mapstructure:"default_budget"`
	LogLevel      string        `mapstructure:"log_level"`
	Payload       PayloadConfig `mapstructure:"payload"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("development", false)
	v.SetDefault("relay.listen_addr", ":8080")
	v.SetDefault("relay.callback_url", "")
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.password", "")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.prefix", "")
	v.SetDefault("registry.dynamodb.table", "")
	v.SetDefault("registry.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("registry.etcd.prefix", "")
	v.SetDefault("supervisor.relay_url", "ws://localhost:8080/ws")
	v.SetDefault("supervisor.concurrency", 1)
	v.SetDefault("supervisor.build_wait", 30*time.Second)
	v.SetDefault("supervisor.reconnect_initial", 500*time.Millisecond)
	v.SetDefault("supervisor.reconnect_max", 30*time.Second)
	v.SetDefault("payload.store", "")
	v.SetDefault("payload.path", "")
	v.SetDefault("payload.bucket", "")
	v.SetDefault("payload.max_inline_bytes", 96*1024)
	v.SetDefault("history.dsn", "")
	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.channel", "bridge.events")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := newViper()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case "memory", "redis", "etcd":
	case "dynamodb":
		if c.Registry.DynamoDB.Table == "" {
			return fmt.Errorf("registry.dynamodb.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if err := c.Payload.validate(); err != nil {
		return err
	}
	if c.Supervisor.Concurrency < 1 {
		return fmt.Errorf("supervisor.concurrency must be at least 1")
	}
	seen := make(map[string]bool)
	for _, fn := range c.Supervisor.Functions {
		if fn.ID == "" || len(fn.Command) == 0 {
			return fmt.Errorf("supervisor.functions entries need an id and a command")
		}
		if seen[fn.ID] {
			return fmt.Errorf("supervisor.functions: duplicate id %q", fn.ID)
		}
		seen[fn.ID] = true
	}
	return nil
}

func (p PayloadConfig) validate() error {
	switch p.Store {
	case "":
	case "local":
		if p.Path == "" {
			return fmt.Errorf("payload.path is required for the local payload store")
		}
	case "s3":
		if p.Bucket == "" {
			return fmt.Errorf("payload.bucket is required for the s3 payload store")
		}
	default:
		return fmt.Errorf("unknown payload store %q", p.Store)
	}
	return nil
}

// LoadStub reads the stub configuration from the environment only.
func LoadStub() (*StubConfig, error) {
	v := newViper()
	v.SetDefault("relay_url", "")
	v.SetDefault("function_id", "")
	v.SetDefault("safety_margin", 500*time.Millisecond)
	v.SetDefault("default_budget", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("payload.store", "")
	v.SetDefault("payload.path", "")
	v.SetDefault("payload.bucket", "")
	v.SetDefault("payload.max_inline_bytes", 96*1024)

	var c StubConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stub config: %w", err)
	}
	if c.RelayURL == "" {
		return nil, fmt.Errorf("%s_RELAY_URL is required", EnvPrefix)
	}
	if c.FunctionID == "" {
		return nil, fmt.Errorf("%s_FUNCTION_ID is required", EnvPrefix)
	}
	if err := c.Payload.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
