// Package config loads seedhost configuration from YAML and SEEDHOST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration
type Config struct {
	DataDir    string `mapstructure:"data_dir" yaml:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	PublicHost string `mapstructure:"public_host" yaml:"public_host"`
	PortBase   int    `mapstructure:"port_base" yaml:"port_base"`

	Log struct {
		Level string `mapstructure:"level" yaml:"level"`
		JSON  bool   `mapstructure:"json" yaml:"json"`
	} `mapstructure:"log" yaml:"log"`

	Storage struct {
		Driver string `mapstructure:"driver" yaml:"driver"` // "bolt" or "sqlite"
		Path   string `mapstructure:"path" yaml:"path"`
	} `mapstructure:"storage" yaml:"storage"`

	Runtime struct {
		Socket       string        `mapstructure:"socket" yaml:"socket"`
		Namespace    string        `mapstructure:"namespace" yaml:"namespace"`
		NodeImage    string        `mapstructure:"node_image" yaml:"node_image"`
		GatewayImage string        `mapstructure:"gateway_image" yaml:"gateway_image"`
		StopTimeout  time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	} `mapstructure:"runtime" yaml:"runtime"`

	// Tool commands accept {alias}, {container}, {home} and {user} placeholders
	Tool struct {
		Identity []string `mapstructure:"identity" yaml:"identity"`
		Status   []string `mapstructure:"status" yaml:"status"`
		Events   []string `mapstructure:"events" yaml:"events"`
	} `mapstructure:"tool" yaml:"tool"`

	Monitor struct {
		Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
		Deadline       time.Duration `mapstructure:"deadline" yaml:"deadline"`
		BootingTimeout time.Duration `mapstructure:"booting_timeout" yaml:"booting_timeout"`
	} `mapstructure:"monitor" yaml:"monitor"`

	Stream struct {
		Buffer     int    `mapstructure:"buffer" yaml:"buffer"`
		StopSignal string `mapstructure:"stop_signal" yaml:"stop_signal"`
	} `mapstructure:"stream" yaml:"stream"`

	Reconciler struct {
		Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
		Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	} `mapstructure:"reconciler" yaml:"reconciler"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./seedhost-data")
	v.SetDefault("listen_addr", "127.0.0.1:8080")
	v.SetDefault("public_host", "127.0.0.1")
	v.SetDefault("port_base", 20000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("storage.driver", "bolt")

	v.SetDefault("runtime.socket", "/run/containerd/containerd.sock")
	v.SetDefault("runtime.namespace", "seedhost")
	v.SetDefault("runtime.node_image", "quay.io/radicle_garden/radicle-node:latest")
	v.SetDefault("runtime.gateway_image", "quay.io/radicle_garden/radicle-httpd:latest")
	v.SetDefault("runtime.stop_timeout", 10*time.Second)

	v.SetDefault("tool.identity", []string{"rad", "auth", "--alias", "{alias}", "--stdin"})
	v.SetDefault("tool.status", []string{"ctr", "--namespace", "seedhost", "tasks", "exec", "--exec-id", "status-{user}", "{container}", "rad", "node", "status", "--json"})
	v.SetDefault("tool.events", []string{"ctr", "--namespace", "seedhost", "tasks", "exec", "--exec-id", "events-{user}", "{container}", "rad", "node", "events"})

	v.SetDefault("monitor.interval", 3*time.Second)
	v.SetDefault("monitor.deadline", 5*time.Minute)
	v.SetDefault("monitor.booting_timeout", 2*time.Minute)

	v.SetDefault("stream.buffer", 64)
	v.SetDefault("stream.stop_signal", "SIGTERM")

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", 30*time.Second)
}

// Load reads configuration from path (optional) and the environment
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix("SEEDHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.PortBase <= 0 || c.PortBase > 65535 {
		errs = append(errs, "port_base must be a valid port")
	}
	switch c.Storage.Driver {
	case "bolt", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}
	if len(c.Tool.Identity) == 0 || len(c.Tool.Status) == 0 || len(c.Tool.Events) == 0 {
		errs = append(errs, "tool.identity, tool.status and tool.events are required")
	}
	if c.Monitor.Interval <= 0 || c.Monitor.Deadline <= 0 {
		errs = append(errs, "monitor.interval and monitor.deadline must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Dump renders the effective configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
