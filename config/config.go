// Package config loads the bridge configuration from a YAML file, RPCBRIDGE_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rpcbridge/loadbalance"
	"rpcbridge/naming"
)

const EnvPrefix = "rpcbridge"

type Config struct {
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Zenoh    EndpointConfig `mapstructure:"zenoh"`
	ROS      EndpointConfig `mapstructure:"ros"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Goals    GoalsConfig    `mapstructure:"goals"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Router   RouterConfig   `mapstructure:"router"`
	Registry RegistryConfig `mapstructure:"registry"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
	Routes   RoutesConfig   `mapstructure:"routes"`
}

type BridgeConfig struct {
	Name      string `mapstructure:"name"`
	Namespace string `mapstructure:"namespace"` // Zenoh key prefix
}

type EndpointConfig struct {
	Endpoint string `mapstructure:"endpoint"` // tcp://host:port or ws://host:port/path
	Codec    string `mapstructure:"codec"`    // binary or json
}

type TimeoutConfig struct {
	Service   time.Duration `mapstructure:"service"`
	Action    time.Duration `mapstructure:"action"`
	GetResult time.Duration `mapstructure:"get_result"`
	Goal      time.Duration `mapstructure:"goal"`
}

type RetryConfig struct {
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
	Attempts int           `mapstructure:"attempts"`
}

type GoalsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	Max           int           `mapstructure:"max"`
	FeedbackQueue int           `mapstructure:"feedback_queue"`
}

type LimitsConfig struct {
	Rate  float64 `mapstructure:"rate"` // calls per second per route, 0 for unlimited
	Burst int     `mapstructure:"burst"`
}

type RouterConfig struct {
	Listen   string `mapstructure:"listen"`
	WSListen string `mapstructure:"ws_listen"`
	Balancer string `mapstructure:"balancer"`
}

type RegistryConfig struct {
	Etcd []string `mapstructure:"etcd"` // empty keeps route states in memory
	TTL  int64    `mapstructure:"ttl"`
}

type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type RoutesConfig struct {
	Services []ServiceConfig `mapstructure:"services"`
	Actions  []ActionConfig  `mapstructure:"actions"`
}

type ServiceConfig struct {
	Name      string        `mapstructure:"name"`
	Direction string        `mapstructure:"direction"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ActionConfig struct {
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads path (optional) into a fresh viper instance.
func Load(path string) (Config, error) {
	return LoadViper(viper.New(), path)
}

// LoadViper reads configuration through v, which may already carry bound
// command line flags.
func LoadViper(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("bridge.name", "rpcbridge")
	v.SetDefault("bridge.namespace", "")
	v.SetDefault("zenoh.endpoint", "tcp://127.0.0.1:7447")
	v.SetDefault("zenoh.codec", "binary")
	v.SetDefault("ros.endpoint", "tcp://127.0.0.1:7447")
	v.SetDefault("ros.codec", "binary")
	v.SetDefault("timeouts.service", 5*time.Second)
	v.SetDefault("timeouts.action", 5*time.Second)
	v.SetDefault("timeouts.get_result", 5*time.Second)
	v.SetDefault("timeouts.goal", 10*time.Minute)
	v.SetDefault("retry.initial", 100*time.Millisecond)
	v.SetDefault("retry.max", 10*time.Second)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("goals.retention", 60*time.Second)
	v.SetDefault("goals.max", 1024)
	v.SetDefault("goals.feedback_queue", 64)
	v.SetDefault("limits.rate", 0)
	v.SetDefault("limits.burst", 0)
	v.SetDefault("router.listen", ":7447")
	v.SetDefault("router.ws_listen", "")
	v.SetDefault("router.balancer", "roundrobin")
	v.SetDefault("registry.etcd", []string{})
	v.SetDefault("registry.ttl", 10)
	v.SetDefault("admin.listen", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var errs []error
	if c.Bridge.Name == "" {
		errs = append(errs, errors.New("bridge.name is required"))
	}
	if _, err := naming.NewMapper(c.Bridge.Namespace); err != nil {
		errs = append(errs, fmt.Errorf("bridge.namespace: %w", err))
	}
	for key, ep := range map[string]EndpointConfig{"zenoh": c.Zenoh, "ros": c.ROS} {
		if ep.Codec != "binary" && ep.Codec != "json" {
			errs = append(errs, fmt.Errorf("%s.codec must be binary or json, got %q", key, ep.Codec))
		}
	}
	for key, d := range map[string]time.Duration{
		"timeouts.service":    c.Timeouts.Service,
		"timeouts.action":     c.Timeouts.Action,
		"timeouts.get_result": c.Timeouts.GetResult,
		"timeouts.goal":       c.Timeouts.Goal,
		"retry.initial":       c.Retry.Initial,
		"goals.retention":     c.Goals.Retention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Retry.Max < c.Retry.Initial {
		errs = append(errs, fmt.Errorf("retry.max %s is below retry.initial %s", c.Retry.Max, c.Retry.Initial))
	}
	if c.Goals.Max <= 0 {
		errs = append(errs, errors.New("goals.max must be positive"))
	}
	if c.Limits.Rate < 0 {
		errs = append(errs, errors.New("limits.rate must not be negative"))
	}
	if _, err := loadbalance.New(c.Router.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("router.balancer: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	seen := make(map[string]bool)
	check := func(kind, name string) {
		name = naming.Normalize(name)
		if err := naming.ValidateROSName(name); err != nil {
			errs = append(errs, fmt.Errorf("routes.%s: %w", kind, err))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("routes.%s: %s configured twice", kind, name))
		}
		seen[name] = true
	}
	for _, s := range c.Routes.Services {
		check("services", s.Name)
		if s.Direction != "ros_to_zenoh" && s.Direction != "zenoh_to_ros" {
			errs = append(errs, fmt.Errorf("routes.services: %s has unknown direction %q", s.Name, s.Direction))
		}
	}
	for _, a := range c.Routes.Actions {
		check("actions", a.Name)
	}
	return errors.Join(errs...)
}

// Build returns the logger described by c.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
